package session

import (
	"sync"
	"time"

	"github.com/voxgate/voxgate/pkg/bot/core"
	"github.com/voxgate/voxgate/pkg/bot/menu"
)

// ReplyMode is the chat's current delivery mode.
type ReplyMode struct {
	Voice   bool
	VoiceID string // meaningful only when Voice is true
}

// Session is the per-chat mutable state. All access goes through
// Store.Do, which serializes events for the same chat.
type Session struct {
	Mode ReplyMode

	// LastPrompt is the cached prompt for /resend. Empty means nothing
	// to resend.
	LastPrompt string

	Menu        menu.State
	MenuMessage core.MessageID

	// Preview is the one live transient asset (a voice sample note) the
	// session owns; 0 means none. Transitions retire it before creating
	// a new one.
	Preview core.MessageID

	// seenUpdates holds the ids of recently applied updates; updateFloor
	// is a lower bound below which every id has aged out of the window.
	seenUpdates []int
	updateFloor int
}

// updateDedupWindow bounds how many applied update ids a session remembers.
const updateDedupWindow = 128

// applyUpdateID records id as applied. It reports false for an id already
// in the recent window or older than everything the window still tracks.
// A reordered but unseen id inside the window is new and must be applied.
func (sess *Session) applyUpdateID(id int) bool {
	if id <= sess.updateFloor {
		return false
	}
	for _, seen := range sess.seenUpdates {
		if seen == id {
			return false
		}
	}
	sess.seenUpdates = append(sess.seenUpdates, id)
	if len(sess.seenUpdates) > updateDedupWindow {
		min := 0
		for i, seen := range sess.seenUpdates {
			if seen < sess.seenUpdates[min] {
				min = i
			}
		}
		sess.updateFloor = sess.seenUpdates[min]
		sess.seenUpdates = append(sess.seenUpdates[:min], sess.seenUpdates[min+1:]...)
	}
	return true
}

type Config struct {
	// DefaultVoice seeds new sessions' voice selection.
	DefaultVoice string

	// Operational bounds for the in-memory map (single-process only).
	MaxEntries int
	TTL        time.Duration

	Now func() time.Time
}

// Store holds one Session per chat and serializes mutations per chat id.
// Cross-chat operations share no lock.
type Store struct {
	cfg Config

	mu sync.Mutex
	m  map[core.ChatID]*entry
}

type entry struct {
	mu       sync.Mutex
	sess     Session
	lastSeen time.Time
}

func NewStore(cfg Config) *Store {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 12 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		cfg: cfg,
		m:   make(map[core.ChatID]*entry),
	}
}

// Do runs fn with exclusive access to chat's session, creating it lazily.
// Within a chat, effects apply in lock-acquisition order; two rapid taps on
// the same menu cannot interleave.
func (s *Store) Do(chat core.ChatID, fn func(*Session)) {
	e := s.getOrCreate(chat)
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.sess)
}

// DoIfNewUpdate is Do, but skips fn when updateID has already been applied
// to this chat. Platform retries can redeliver an update; replaying it would
// double side effects. Dedup is per exact id, so two in-flight events that
// reach the entry lock out of order both still apply.
func (s *Store) DoIfNewUpdate(chat core.ChatID, updateID int, fn func(*Session)) bool {
	e := s.getOrCreate(chat)
	e.mu.Lock()
	defer e.mu.Unlock()
	if updateID != 0 && !e.sess.applyUpdateID(updateID) {
		return false
	}
	fn(&e.sess)
	return true
}

func (s *Store) getOrCreate(chat core.ChatID) *entry {
	now := s.cfg.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.m[chat]; ok {
		e.lastSeen = now
		return e
	}

	if len(s.m) >= s.cfg.MaxEntries {
		s.gcLocked(now)
		// Still full after expiry: drop one arbitrary entry.
		if len(s.m) >= s.cfg.MaxEntries {
			for k := range s.m {
				delete(s.m, k)
				break
			}
		}
	}

	e := &entry{
		sess:     Session{Mode: ReplyMode{VoiceID: s.cfg.DefaultVoice}},
		lastSeen: now,
	}
	s.m[chat] = e
	return e
}

func (s *Store) gcLocked(now time.Time) {
	for k, v := range s.m {
		if now.Sub(v.lastSeen) > s.cfg.TTL {
			delete(s.m, k)
		}
	}
}

// Len reports how many sessions are live; used by tests and stats.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}
