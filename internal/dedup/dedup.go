// Package dedup bounds duplicate retries of the same command from the
// same remote within a short window, adapted from the teacher's event
// dedup cache (internal/nvr/event_dedup.go) onto text-frame lines
// instead of device event payloads.
package dedup

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Window caps retries of the same HELLO/AUTH line from the same remote
// within this duration.
type Window struct {
	cache *lru.Cache[string, time.Time]
	ttl   time.Duration
	now   func() time.Time
}

// New builds a Window holding up to maxKeys remote+line pairs, each
// valid for ttl before a repeat is treated as a fresh attempt again.
func New(maxKeys int, ttl time.Duration) *Window {
	c, _ := lru.New[string, time.Time](maxKeys)
	return &Window{cache: c, ttl: ttl, now: time.Now}
}

// IsDuplicate reports whether key was already seen within the window,
// and records key as seen either way.
func (w *Window) IsDuplicate(key string) bool {
	now := w.now()
	if seenAt, ok := w.cache.Get(key); ok && now.Sub(seenAt) < w.ttl {
		return true
	}
	w.cache.Add(key, now)
	return false
}

// Key builds the dedup key for one text line from one remote address.
func Key(remote, line string) string {
	return fmt.Sprintf("%s|%s", remote, line)
}
