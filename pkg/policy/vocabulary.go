package policy

import (
	"regexp"
	"sort"
	"strings"
)

var (
	tokenRE   = regexp.MustCompile(`[A-Za-z][A-Za-z0-9_]{2,}`)
	nonWordRE = regexp.MustCompile(`[^a-z0-9_]+`)
)

var stopwords = map[string]struct{}{
	"about": {}, "across": {}, "all": {}, "also": {}, "always": {}, "and": {}, "any": {},
	"are": {}, "as": {}, "at": {}, "be": {}, "by": {}, "can": {}, "context": {},
	"customer": {}, "customers": {}, "data": {}, "date": {}, "dates": {}, "description": {},
	"for": {}, "from": {}, "group": {}, "if": {}, "in": {}, "insights": {}, "is": {},
	"it": {}, "latest": {}, "level": {}, "model": {}, "month": {}, "name": {}, "of": {},
	"on": {}, "or": {}, "period": {}, "query": {}, "show": {}, "table": {}, "that": {},
	"the": {}, "this": {}, "through": {}, "to": {}, "use": {}, "when": {}, "with": {},
	"year": {}, "what": {}, "were": {}, "was": {}, "how": {}, "many": {}, "much": {},
	"my": {}, "our": {}, "me": {}, "you": {}, "your": {}, "give": {}, "tell": {},
}

// Tokenize splits text into lowercase vocabulary tokens, dropping stopwords.
func Tokenize(text string) []string {
	raw := tokenRE.FindAllString(text, -1)
	out := make([]string, 0, len(raw))
	for _, tok := range raw {
		tok = strings.ToLower(strings.ReplaceAll(tok, "-", "_"))
		if _, stop := stopwords[tok]; stop {
			continue
		}
		out = append(out, tok)
	}
	return out
}

func (m *Model) buildVocabulary() {
	terms := make(map[string]struct{})
	phrases := make(map[string]struct{})

	addName := func(name string) {
		cleaned := strings.ToLower(strings.TrimSpace(strings.ReplaceAll(name, "-", "_")))
		if cleaned == "" {
			return
		}
		phrases[cleaned] = struct{}{}
		phrases[strings.ReplaceAll(cleaned, "_", " ")] = struct{}{}
		for _, part := range strings.Split(cleaned, "_") {
			if _, stop := stopwords[part]; len(part) >= 3 && !stop {
				terms[part] = struct{}{}
			}
		}
	}
	addText := func(text string) {
		for _, tok := range Tokenize(text) {
			terms[tok] = struct{}{}
			for _, part := range strings.Split(tok, "_") {
				if _, stop := stopwords[part]; len(part) >= 3 && !stop {
					terms[part] = struct{}{}
				}
			}
		}
	}

	addText(m.Description)
	if m.Domain != "" {
		phrases[strings.ToLower(m.Domain)] = struct{}{}
	}
	for _, t := range m.Tables {
		addName(t.Name)
		addText(t.Description)
		for _, f := range append(append([]Field{}, t.Dimensions...), t.Metrics...) {
			addName(f.Name)
			addText(f.Description)
			for _, s := range f.Synonyms {
				phrases[strings.ToLower(s)] = struct{}{}
				addText(s)
			}
		}
	}
	for _, p := range m.DomainPhrases {
		phrases[strings.ToLower(strings.TrimSpace(p))] = struct{}{}
	}

	m.terms = terms
	m.phrases = make([]string, 0, len(phrases))
	for p := range phrases {
		// Single words are already terms; a phrase must span words.
		if strings.Contains(p, " ") {
			m.phrases = append(m.phrases, p)
		}
	}
	sort.Strings(m.phrases)
}

// DomainTerms returns the sorted single-token domain vocabulary.
func (m *Model) DomainTerms() []string {
	out := make([]string, 0, len(m.terms))
	for t := range m.terms {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// DomainPhrasesNormalized returns the sorted multi-word domain phrases.
func (m *Model) DomainPhrasesNormalized() []string {
	return append([]string(nil), m.phrases...)
}

// Match counts distinct domain-term tokens in a message and reports whether a
// multi-word domain phrase appears in it.
func (m *Model) Match(message string) (tokens int, phrase bool) {
	seen := make(map[string]struct{})
	for _, tok := range Tokenize(message) {
		candidates := []string{tok}
		if strings.HasSuffix(tok, "s") && len(tok) > 3 {
			candidates = append(candidates, strings.TrimSuffix(tok, "s"))
		}
		for _, c := range candidates {
			if _, ok := m.terms[c]; ok {
				seen[c] = struct{}{}
				break
			}
		}
	}
	normalized := " " + strings.Join(strings.Fields(nonWordRE.ReplaceAllString(strings.ToLower(message), " ")), " ") + " "
	for _, p := range m.phrases {
		if strings.Contains(normalized, " "+p+" ") {
			phrase = true
			break
		}
	}
	return len(seen), phrase
}
