package chat

import (
	"sync"

	"github.com/cheshiremew/lumina/pkg/types"
)

// Overflow selects how a session's history is trimmed once it crosses its
// limit, per spec §6 "history_overflow (slide|reset)".
type Overflow int

const (
	// OverflowSlide windows prompt assembly to the most recent N messages
	// (see snapshot) while leaving the stored buffer itself to grow, so
	// background summarisation can compact the overflow instead of
	// silently dropping it. This is the default.
	OverflowSlide Overflow = iota

	// OverflowReset empties history entirely on the turn that crosses the
	// limit, then appends the new turn — trading recall for a fresh prompt
	// cache, per spec §6's "reset... to preserve prompt cache" note.
	OverflowReset
)

// session holds one character+session pair's in-memory prompt-window
// history plus any accumulated "## Previous Summary" text produced by
// background summarisation. This is distinct from the durable L1
// conversation_log (memory.ConversationStore): that log is the Dreaming
// Scheduler's raw-turn source of truth and is never trimmed; session
// history here is purely the sliding prompt-assembly window described in
// spec §4.10.
type session struct {
	mu       sync.Mutex
	messages []types.Message
	summary  string
}

// sessionKey identifies one character+session pair's history buffer.
func sessionKey(characterID, sessionID string) string {
	return characterID + "|" + sessionID
}

// sessionStore is a concurrency-safe registry of per-key *session buffers.
type sessionStore struct {
	mu       sync.Mutex
	sessions map[string]*session
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: make(map[string]*session)}
}

func (s *sessionStore) get(key string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		sess = &session{}
		s.sessions[key] = sess
	}
	return sess
}

// snapshot returns the history to feed into prompt assembly: the summary
// (if any) as a leading system message, followed by the windowed messages
// bounded to limit. limit <= 0 means no prior history at all.
func (s *session) snapshot(limit int) []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	windowed := s.messages
	if limit > 0 && len(windowed) > limit {
		windowed = windowed[len(windowed)-limit:]
	} else if limit <= 0 {
		windowed = nil
	}

	out := make([]types.Message, 0, len(windowed)+1)
	if s.summary != "" {
		out = append(out, types.Message{Role: "system", Content: "## Previous Summary\n" + s.summary})
	}
	out = append(out, windowed...)
	return out
}

// appendTurn records a completed {user, assistant} pair. Under
// OverflowReset, crossing limit wipes the stored buffer before the new turn
// is appended — per spec §4.10, "reset" discards history outright to
// preserve prompt cache. Under OverflowSlide the stored buffer is left to
// grow unbounded: windowing to the last N messages happens at read time in
// snapshot, not here, so the full history remains available for background
// summarisation to compact (see maybeSummarize). Returns the full
// post-append message list so the caller can decide whether background
// summarisation is warranted.
func (s *session) appendTurn(user, assistant types.Message, limit int, overflow Overflow) []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	if overflow == OverflowReset && len(s.messages) >= limit {
		s.messages = s.messages[:0]
		s.summary = ""
	}

	s.messages = append(s.messages, user, assistant)

	out := make([]types.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// appendAssistant records a standalone assistant message with no preceding
// user turn, used by a character-initiated (proactive) message where there
// is nothing from the user to pair it with. Same overflow semantics as
// appendTurn.
func (s *session) appendAssistant(assistant types.Message, limit int, overflow Overflow) []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	if overflow == OverflowReset && len(s.messages) >= limit {
		s.messages = s.messages[:0]
		s.summary = ""
	}

	s.messages = append(s.messages, assistant)

	out := make([]types.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// compress replaces messages[:keepFrom] with summary, called by background
// summarisation once history has grown past the overflow-trigger length.
func (s *session) compress(summary string, keepFrom int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if keepFrom > len(s.messages) {
		keepFrom = len(s.messages)
	}
	if s.summary == "" {
		s.summary = summary
	} else {
		s.summary = s.summary + "\n" + summary
	}
	s.messages = append([]types.Message(nil), s.messages[keepFrom:]...)
}
