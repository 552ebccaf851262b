// Package guard validates and rewrites candidate queries against a policy
// model before they reach an execution backend.
package guard

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/malbeclabs/analyst/pkg/policy"
)

var (
	ErrNotReadOnly         = errors.New("query must start with SELECT or WITH")
	ErrForbiddenStatement  = errors.New("query contains a forbidden statement")
	ErrTableNotAllowlisted = errors.New("query references a table that is not allowlisted")
	ErrRestrictedField     = errors.New("query references a restricted field")
)

// Violation is returned for every rejected query. Kind is one of the Err*
// sentinels above.
type Violation struct {
	Kind   error
	Detail string
}

func (v *Violation) Error() string {
	if v.Detail == "" {
		return v.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", v.Kind, v.Detail)
}

func (v *Violation) Unwrap() error { return v.Kind }

var (
	forbiddenRE = regexp.MustCompile(`(?i)\b(insert|update|delete|merge|drop|truncate|alter|grant|revoke)\b`)
	leadingRE   = regexp.MustCompile(`(?i)^(select|with)\b`)
	tableRefRE  = regexp.MustCompile(`(?i)\b(?:from|join)\s+([a-zA-Z0-9_."]+)`)
	cteRE       = regexp.MustCompile(`(?i)(?:\bwith\b(?:\s+recursive\b)?|,)\s*([a-zA-Z_][a-zA-Z0-9_]*)\s+as\s*\(`)
	limitRE     = regexp.MustCompile(`(?i)\blimit\s+(\d+)\b`)
	funcFromRE  = regexp.MustCompile(`(?i)\b(?:extract|trim|substring|position|overlay)\s*\(`)
	aliasRE     = regexp.MustCompile(`^\s+(?:(?i:as)\s+)?([a-zA-Z_][a-zA-Z0-9_]*)`)
	commaRefRE  = regexp.MustCompile(`^\s*,\s*([a-zA-Z0-9_."]+)`)
)

// Words that end a FROM item rather than alias it.
var clauseWords = map[string]struct{}{
	"where": {}, "join": {}, "inner": {}, "left": {}, "right": {}, "full": {}, "cross": {},
	"outer": {}, "on": {}, "using": {}, "group": {}, "order": {}, "limit": {}, "having": {},
	"union": {}, "except": {}, "intersect": {}, "natural": {}, "window": {}, "qualify": {},
	"lateral": {}, "select": {}, "offset": {}, "fetch": {},
}

// Options controls backend-specific behavior.
type Options struct {
	// Sandbox canonicalizes qualified references (db.schema.table) to their
	// bare allowlisted name. Against a production backend references must
	// match the allowlist exactly and are never rewritten.
	Sandbox bool
}

// Check validates query against the model and returns the rewritten query.
// Running Check on its own output returns the same text.
func Check(query string, model *policy.Model, opts Options) (string, error) {
	q := normalize(query)
	if q == "" {
		return "", &Violation{Kind: ErrNotReadOnly, Detail: "empty query"}
	}

	if m := forbiddenRE.FindString(q); m != "" {
		return "", &Violation{Kind: ErrForbiddenStatement, Detail: strings.ToUpper(m)}
	}
	if !leadingRE.MatchString(q) {
		first := strings.Fields(q)[0]
		return "", &Violation{Kind: ErrNotReadOnly, Detail: "leading keyword " + strings.ToUpper(first)}
	}

	q, err := checkTables(q, model, opts)
	if err != nil {
		return "", err
	}

	for _, field := range model.Policy.RestrictedFields {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(field) + `\b`)
		if re.MatchString(q) {
			return "", &Violation{Kind: ErrRestrictedField, Detail: field}
		}
	}

	return enforceLimit(q, model.Policy.DefaultRowLimit, model.Policy.MaxRowLimit), nil
}

// normalize collapses whitespace within each line, drops blank lines and
// strips trailing semicolons.
func normalize(query string) string {
	lines := strings.Split(query, "\n")
	out := lines[:0]
	for _, line := range lines {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			out = append(out, line)
		}
	}
	q := strings.Join(out, "\n")
	for strings.HasSuffix(q, ";") {
		q = strings.TrimSpace(strings.TrimSuffix(q, ";"))
	}
	return q
}

type span struct{ start, end int }

func checkTables(q string, model *policy.Model, opts Options) (string, error) {
	ctes := make(map[string]struct{})
	for _, m := range cteRE.FindAllStringSubmatch(q, -1) {
		ctes[strings.ToLower(m[1])] = struct{}{}
	}

	scan := maskFunctionFrom(q)
	refs := tableRefs(scan)
	if len(refs) == 0 {
		return "", &Violation{Kind: ErrTableNotAllowlisted, Detail: "no table reference found"}
	}

	var sb strings.Builder
	last := 0
	for _, r := range refs {
		ref := q[r.start:r.end]
		qualified := strings.Contains(ref, ".")
		bare := canonical(ref)

		switch {
		case !qualified:
			if _, ok := ctes[bare]; ok {
				continue
			}
			if !model.IsTable(bare) {
				return "", &Violation{Kind: ErrTableNotAllowlisted, Detail: ref}
			}
		case opts.Sandbox:
			if !model.IsTable(bare) {
				return "", &Violation{Kind: ErrTableNotAllowlisted, Detail: ref}
			}
			sb.WriteString(q[last:r.start])
			sb.WriteString(bare)
			last = r.end
		default:
			if !model.IsTable(strings.ReplaceAll(ref, `"`, "")) {
				return "", &Violation{Kind: ErrTableNotAllowlisted, Detail: ref}
			}
		}
	}
	sb.WriteString(q[last:])
	return sb.String(), nil
}

// tableRefs finds every FROM/JOIN item, including comma-separated FROM lists.
func tableRefs(scan string) []span {
	var refs []span
	for _, m := range tableRefRE.FindAllStringSubmatchIndex(scan, -1) {
		refs = append(refs, span{m[2], m[3]})
		pos := m[3]
		for {
			if a := aliasRE.FindStringSubmatchIndex(scan[pos:]); a != nil {
				if _, ok := clauseWords[strings.ToLower(scan[pos+a[2]:pos+a[3]])]; !ok {
					pos += a[1]
				}
			}
			c := commaRefRE.FindStringSubmatchIndex(scan[pos:])
			if c == nil {
				break
			}
			refs = append(refs, span{pos + c[2], pos + c[3]})
			pos += c[3]
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].start < refs[j].start })
	return refs
}

// canonical returns the last dotted segment of a reference, lowercased with
// quotes removed.
func canonical(ref string) string {
	parts := strings.Split(strings.ReplaceAll(ref, `"`, ""), ".")
	return strings.ToLower(parts[len(parts)-1])
}

// maskFunctionFrom blanks the FROM keyword inside calls such as
// EXTRACT(YEAR FROM x) so it is not read as a table reference. Offsets are
// preserved.
func maskFunctionFrom(q string) string {
	locs := funcFromRE.FindAllStringIndex(q, -1)
	if len(locs) == 0 {
		return q
	}
	b := []byte(q)
	for _, loc := range locs {
		depth := 0
		for i := loc[1] - 1; i < len(b); i++ {
			switch b[i] {
			case '(':
				depth++
			case ')':
				depth--
			}
			if depth == 0 {
				break
			}
			if depth == 1 && isKeywordAt(b, i, "from") {
				copy(b[i:i+4], "    ")
			}
		}
	}
	return string(b)
}

func isKeywordAt(b []byte, i int, kw string) bool {
	if i+len(kw) > len(b) || !strings.EqualFold(string(b[i:i+len(kw)]), kw) {
		return false
	}
	if i > 0 && isIdent(b[i-1]) {
		return false
	}
	return i+len(kw) == len(b) || !isIdent(b[i+len(kw)])
}

func isIdent(c byte) bool {
	return c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

// enforceLimit clamps the top-level LIMIT or appends the default one.
func enforceLimit(q string, defaultLimit, maxLimit int) string {
	scan := maskLiterals(q)
	depths := parenDepths(scan)
	for _, m := range limitRE.FindAllStringSubmatchIndex(scan, -1) {
		if depths[m[0]] != 0 {
			continue
		}
		n, err := strconv.Atoi(q[m[2]:m[3]])
		if err != nil || n > maxLimit {
			return q[:m[2]] + strconv.Itoa(maxLimit) + q[m[3]:]
		}
		return q
	}
	return q + "\nLIMIT " + strconv.Itoa(defaultLimit)
}

// maskLiterals blanks the contents of quoted strings and comments so that
// keywords inside them are not matched. Quote characters and newlines are
// kept, so offsets and line structure are preserved.
func maskLiterals(q string) string {
	b := []byte(q)
	for i := 0; i < len(b); i++ {
		switch {
		case b[i] == '\'' || b[i] == '"':
			quote := b[i]
			for i++; i < len(b) && b[i] != quote; i++ {
				if b[i] != '\n' {
					b[i] = ' '
				}
			}
		case b[i] == '-' && i+1 < len(b) && b[i+1] == '-':
			for ; i < len(b) && b[i] != '\n'; i++ {
				b[i] = ' '
			}
		case b[i] == '/' && i+1 < len(b) && b[i+1] == '*':
			end := strings.Index(q[i+2:], "*/")
			stop := len(b)
			if end >= 0 {
				stop = i + 2 + end + 2
			}
			for ; i < stop; i++ {
				if b[i] != '\n' {
					b[i] = ' '
				}
			}
			i--
		}
	}
	return string(b)
}

// parenDepths returns the parenthesis depth at every byte offset, ignoring
// parentheses inside quoted strings.
func parenDepths(q string) []int {
	depths := make([]int, len(q)+1)
	depth := 0
	var quote byte
	for i := 0; i < len(q); i++ {
		depths[i] = depth
		c := q[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '(':
			depth++
		case c == ')':
			if depth > 0 {
				depth--
			}
		}
	}
	depths[len(q)] = depth
	return depths
}
