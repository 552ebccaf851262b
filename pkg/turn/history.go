package turn

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"
)

const (
	defaultHistoryTTL      = 30 * time.Minute
	defaultHistoryMaxLines = 12
)

// History stores recent conversation lines per session.
type History interface {
	// Recent returns up to n of the most recent lines for the session,
	// oldest first.
	Recent(sessionID string, n int) []string
	Append(sessionID string, lines ...string)
}

type MemoryHistoryConfig struct {
	Clock    clockwork.Clock
	TTL      time.Duration
	MaxLines int

	// MaxSessions bounds the number of sessions held. Zero means unbounded.
	MaxSessions uint64
}

func (c *MemoryHistoryConfig) Validate() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.TTL == 0 {
		c.TTL = defaultHistoryTTL
	}
	if c.TTL < 0 {
		return errors.New("history ttl must be > 0")
	}
	if c.MaxLines == 0 {
		c.MaxLines = defaultHistoryMaxLines
	}
	if c.MaxLines < 0 {
		return errors.New("history max lines must be > 0")
	}
	return nil
}

type session struct {
	lines   []string
	touched time.Time
}

// MemoryHistory is an in-process History. Sessions idle for longer than the
// TTL are forgotten.
type MemoryHistory struct {
	cfg MemoryHistoryConfig

	mu    sync.Mutex
	cache *ttlcache.Cache[string, session]
}

func NewMemoryHistory(cfg MemoryHistoryConfig) (*MemoryHistory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := []ttlcache.Option[string, session]{
		ttlcache.WithTTL[string, session](cfg.TTL),
	}
	if cfg.MaxSessions > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, session](cfg.MaxSessions))
	}
	cache := ttlcache.New(opts...)
	go cache.Start()
	return &MemoryHistory{cfg: cfg, cache: cache}, nil
}

// Close stops the background expiry loop.
func (h *MemoryHistory) Close() {
	h.cache.Stop()
}

func (h *MemoryHistory) Recent(sessionID string, n int) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.get(sessionID)
	if !ok || n <= 0 {
		return nil
	}
	lines := s.lines
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return slices.Clone(lines)
}

func (h *MemoryHistory) Append(sessionID string, lines ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, _ := h.get(sessionID)
	next := append(slices.Clone(s.lines), lines...)
	if len(next) > h.cfg.MaxLines {
		next = next[len(next)-h.cfg.MaxLines:]
	}
	h.cache.Set(sessionID, session{lines: next, touched: h.cfg.Clock.Now()}, ttlcache.DefaultTTL)
}

// Len returns the number of sessions currently held.
func (h *MemoryHistory) Len() int {
	return h.cache.Len()
}

// get must be called with mu held. Sessions are also aged against the
// configured clock so that expiry follows the same time source as the
// controller.
func (h *MemoryHistory) get(sessionID string) (session, bool) {
	item := h.cache.Get(sessionID)
	if item == nil {
		return session{}, false
	}
	s := item.Value()
	if h.cfg.Clock.Since(s.touched) >= h.cfg.TTL {
		h.cache.Delete(sessionID)
		return session{}, false
	}
	return s, true
}
