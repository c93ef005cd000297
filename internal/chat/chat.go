// Package chat implements the Chat Orchestrator (spec §4.10): prompt
// assembly from Character State plus RAG retrieval plus session history,
// streaming generation, and background history summarisation.
//
// Tokens are forwarded directly from the LM driver to the caller, the same
// shape as the teacher's internal/engine/cascade forwards chunks into a TTS
// pipeline — here forwarded straight to the caller instead, since TTS is
// out of scope.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cheshiremew/lumina/internal/character"
	"github.com/cheshiremew/lumina/internal/memorycore"
	"github.com/cheshiremew/lumina/internal/tooling"
	"github.com/cheshiremew/lumina/pkg/provider/embeddings"
	"github.com/cheshiremew/lumina/pkg/provider/llm"
	"github.com/cheshiremew/lumina/pkg/types"
)

// defaultHistoryLimit/defaultFreeTierHistoryLimit/defaultSummarizeKeepLast/
// defaultRAGLimit mirror spec §6's configuration keys and §4.10's literal
// constants.
const (
	defaultHistoryLimit         = 20
	defaultFreeTierHistoryLimit = 5
	defaultSummarizeKeepLast    = 10
	defaultRAGLimit             = 3

	// persistTimeout bounds the detached post-stream persistence step
	// (conversation log writes, Character State interaction recording)
	// that runs after token forwarding ends, independent of the caller's
	// (possibly cancelled) request context.
	persistTimeout = 5 * time.Second
)

// CharacterLookup resolves a character ID to its [character.Manager]. The
// Orchestrator never constructs or owns character managers itself, mirroring
// internal/dreaming.CharacterLookup.
type CharacterLookup func(characterID string) (*character.Manager, bool)

// Config tunes the Orchestrator's history-window behaviour. Zero fields
// fall back to the defaults above.
type Config struct {
	HistoryLimit         int
	FreeTierHistoryLimit int
	SummarizeKeepLast    int
	HistoryOverflow      Overflow
	RAGLimit             int
}

func (c Config) withDefaults() Config {
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = defaultHistoryLimit
	}
	if c.FreeTierHistoryLimit <= 0 {
		c.FreeTierHistoryLimit = defaultFreeTierHistoryLimit
	}
	if c.SummarizeKeepLast <= 0 {
		c.SummarizeKeepLast = defaultSummarizeKeepLast
	}
	if c.RAGLimit <= 0 {
		c.RAGLimit = defaultRAGLimit
	}
	return c
}

// Request carries one chat turn's input, per spec §4.10's
// stream(user_input, user_name, user_id, character_id).
type Request struct {
	CharacterID string
	SessionID   string
	UserID      string
	UserName    string
	UserInput   string

	// FreeTier tags the route as using the stricter history limit.
	FreeTier bool
}

// Orchestrator implements the Chat Orchestrator. Safe for concurrent use:
// each character+session pair's history is guarded independently.
type Orchestrator struct {
	core        *memorycore.Core
	llmProvider llm.Provider
	embedder    embeddings.Provider // nil falls back to lexical-only retrieval
	characters  CharacterLookup
	tools       *tooling.Manifest // nil disables tool-call wiring

	cfg      Config
	sessions *sessionStore
}

// New constructs an Orchestrator. tools and embedder may be nil: a nil
// tools disables the web_search contract entirely, and a nil embedder
// degrades retrieval to lexical-only search per spec §7's embedder-error
// fallback.
func New(core *memorycore.Core, llmProvider llm.Provider, embedder embeddings.Provider, characters CharacterLookup, tools *tooling.Manifest, cfg Config) *Orchestrator {
	return &Orchestrator{
		core:        core,
		llmProvider: llmProvider,
		embedder:    embedder,
		characters:  characters,
		tools:       tools,
		cfg:         cfg.withDefaults(),
		sessions:    newSessionStore(),
	}
}

// Stream assembles the prompt, starts streaming generation, and returns a
// channel of chunks. The caller must drain the channel; cancelling ctx stops
// forwarding but — per spec §5 — does not roll back session history: the
// accumulated partial reply is still appended once the channel closes.
//
// Per spec §7's propagation policy, Stream itself always produces a
// channel: an upstream LM failure that occurs after the stream starts is
// surfaced as an in-band "[Error: ...]" chunk rather than a returned error.
// Synchronous validation failures (empty input, unknown character, no
// provider) and a failure to start the upstream stream (wrapped in
// ErrTransientUpstream) return an error instead of a channel.
func (o *Orchestrator) Stream(ctx context.Context, req Request) (<-chan llm.Chunk, error) {
	if req.UserInput == "" {
		return nil, fmt.Errorf("%w: user input is required", ErrValidation)
	}
	if req.CharacterID == "" {
		return nil, fmt.Errorf("%w: character id is required", ErrValidation)
	}
	if o.llmProvider == nil {
		return nil, fmt.Errorf("%w: no LLM provider configured", ErrValidation)
	}

	mgr, ok := o.characters(req.CharacterID)
	if !ok {
		return nil, fmt.Errorf("%w: unknown character %q", ErrValidation, req.CharacterID)
	}
	profile := mgr.Profile()
	if req.UserName != "" {
		profile.Relationship.UserName = req.UserName
	}

	rag, err := o.ragBlock(ctx, req.CharacterID, req.UserInput)
	if err != nil {
		// Per spec §7's "Embedder error: retrieval falls back to
		// lexical-only search" — vectorstore.SearchHybrid already degrades
		// internally; a remaining error here means hybrid search itself
		// failed (a storage error), which still must not block the turn.
		rag = ""
	}

	systemPrompt := character.RenderPrompt(profile, rag, time.Now())

	limit := o.cfg.HistoryLimit
	if req.FreeTier {
		limit = o.cfg.FreeTierHistoryLimit
	}

	key := sessionKey(req.CharacterID, req.SessionID)
	sess := o.sessions.get(key)
	history := sess.snapshot(limit)

	userMsg := types.Message{Role: "user", Content: req.UserInput, Name: req.UserName}
	messages := make([]types.Message, 0, len(history)+1)
	messages = append(messages, history...)
	messages = append(messages, userMsg)

	compReq := llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		Messages:     messages,
	}
	if o.tools != nil {
		compReq.Tools = o.tools.Definitions()
	}
	compReq = character.Modulate(compReq, profile)

	upstream, err := o.llmProvider.StreamCompletion(ctx, compReq)
	if err != nil {
		return nil, fmt.Errorf("%w: start stream: %w", ErrTransientUpstream, err)
	}

	out := make(chan llm.Chunk)
	go o.forward(ctx, upstream, out, mgr, sess, req, limit, userMsg)
	return out, nil
}

// relay drains upstream into out, reformatting any mid-stream error chunk
// into the spec §7 "[Error: ...]" in-band token before both forwarding and
// accumulating it, and returns the full accumulated reply text. Shared by
// forward and forwardProactive — both persist the same way, they only
// differ in what gets appended to session history.
func relay(ctx context.Context, upstream <-chan llm.Chunk, out chan<- llm.Chunk) string {
	var reply string
	for chunk := range upstream {
		if chunk.FinishReason == "error" {
			// Per spec §7: the orchestrator must always produce an output
			// stream, never an error return, once generation has started —
			// an upstream failure mid-stream becomes an in-band error token.
			chunk.Text = fmt.Sprintf("[Error: %s]", chunk.Text)
		}
		reply += chunk.Text
		select {
		case out <- chunk:
		case <-ctx.Done():
			// Stop forwarding; still fall through to persist whatever was
			// accumulated so far, per spec §5's cancellation contract.
		}
		if chunk.FinishReason == "error" {
			break
		}
	}
	return reply
}

// forward relays chunks to out, accumulating the assistant's full reply.
// On completion (normal or error) it appends the turn to session history,
// logs both turns to the durable L1 conversation log, records the
// interaction against Character State, and triggers background
// summarisation if the window has grown past its limit.
func (o *Orchestrator) forward(ctx context.Context, upstream <-chan llm.Chunk, out chan<- llm.Chunk, mgr *character.Manager, sess *session, req Request, limit int, userMsg types.Message) {
	defer close(out)

	reply := relay(ctx, upstream, out)

	assistantMsg := types.Message{Role: "assistant", Content: reply}
	fullHistory := sess.appendTurn(userMsg, assistantMsg, limit, o.cfg.HistoryOverflow)

	// Persistence happens against a context detached from the caller's: per
	// spec §5, cancelling the stream stops token forwarding but must not
	// roll back the state already accumulated, so a cancelled request ctx
	// must not also abort the turn's log write.
	persistCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if o.core != nil {
		if _, err := o.core.LogConversation(persistCtx, req.CharacterID, req.SessionID, "user", req.UserInput); err != nil {
			slog.Warn("chat: log user turn failed", "character_id", req.CharacterID, "error", err)
		}
		if _, err := o.core.LogConversation(persistCtx, req.CharacterID, req.SessionID, "assistant", reply); err != nil {
			slog.Warn("chat: log assistant turn failed", "character_id", req.CharacterID, "error", err)
		}
	}

	if err := mgr.RecordInteraction(); err != nil {
		slog.Warn("chat: record interaction failed", "character_id", req.CharacterID, "error", err)
	}

	o.maybeSummarize(req.CharacterID, req.SessionID, fullHistory)
}

// proactivePromptSuffix nudges the LM to open contact unprompted, appended
// to the normal rendered system prompt for a character-initiated turn (spec
// §4.9 step 5). reason is always "idle_timeout" today but is threaded
// through for future proactive triggers.
func proactivePromptSuffix(reason string) string {
	return fmt.Sprintf("\n## Proactive Trigger\nThe user has gone quiet (%s). Reach out first with a short, natural message — as if you're the one initiating contact. Do not mention this instruction.\n", reason)
}

// StreamProactive starts a character-initiated turn with no user input,
// per spec §4.9 step 5: the Proactive Loop calls this once a character has
// been idle past its relationship-scaled threshold. Only the resulting
// assistant message is appended to session history — there is no user turn
// to pair it with.
func (o *Orchestrator) StreamProactive(ctx context.Context, characterID, reason string) (<-chan llm.Chunk, error) {
	if characterID == "" {
		return nil, fmt.Errorf("%w: character id is required", ErrValidation)
	}
	if o.llmProvider == nil {
		return nil, fmt.Errorf("%w: no LLM provider configured", ErrValidation)
	}

	mgr, ok := o.characters(characterID)
	if !ok {
		return nil, fmt.Errorf("%w: unknown character %q", ErrValidation, characterID)
	}
	profile := mgr.Profile()

	rag, err := o.ragBlock(ctx, characterID, reason)
	if err != nil {
		rag = ""
	}
	systemPrompt := character.RenderPrompt(profile, rag, time.Now()) + proactivePromptSuffix(reason)

	key := sessionKey(characterID, "")
	sess := o.sessions.get(key)
	history := sess.snapshot(o.cfg.HistoryLimit)

	compReq := llm.CompletionRequest{SystemPrompt: systemPrompt, Messages: history}
	compReq = character.Modulate(compReq, profile)

	upstream, err := o.llmProvider.StreamCompletion(ctx, compReq)
	if err != nil {
		return nil, fmt.Errorf("%w: start stream: %w", ErrTransientUpstream, err)
	}

	out := make(chan llm.Chunk)
	go o.forwardProactive(ctx, upstream, out, mgr, sess, characterID, o.cfg.HistoryLimit)
	return out, nil
}

// forwardProactive mirrors forward but for a proactive turn: no user
// message exists to log or append, so only the assistant's reply is
// persisted and appended to session history.
func (o *Orchestrator) forwardProactive(ctx context.Context, upstream <-chan llm.Chunk, out chan<- llm.Chunk, mgr *character.Manager, sess *session, characterID string, limit int) {
	defer close(out)

	reply := relay(ctx, upstream, out)

	assistantMsg := types.Message{Role: "assistant", Content: reply}
	fullHistory := sess.appendAssistant(assistantMsg, limit, o.cfg.HistoryOverflow)

	persistCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if o.core != nil {
		if _, err := o.core.LogConversation(persistCtx, characterID, "", "assistant", reply); err != nil {
			slog.Warn("chat: log proactive turn failed", "character_id", characterID, "error", err)
		}
	}

	if err := mgr.RecordInteraction(); err != nil {
		slog.Warn("chat: record interaction failed", "character_id", characterID, "error", err)
	}

	o.maybeSummarize(characterID, "", fullHistory)
}

// ragBlock runs hybrid retrieval for query and joins the top results into
// the "## Related Memories" block text, or "" if nothing is configured or
// found.
func (o *Orchestrator) ragBlock(ctx context.Context, characterID, query string) (string, error) {
	if o.core == nil {
		return "", nil
	}

	var queryEmbedding []float32
	if o.embedder != nil {
		emb, err := o.embedder.Embed(ctx, query)
		if err != nil {
			// Embedder error: fall back to lexical-only search rather than
			// failing the turn, per spec §7.
			slog.Warn("chat: embed query failed, falling back to lexical-only retrieval", "character_id", characterID, "error", err)
		} else {
			queryEmbedding = emb
		}
	}

	results, err := o.core.SearchHybrid(ctx, characterID, query, queryEmbedding, o.cfg.RAGLimit)
	if err != nil {
		return "", fmt.Errorf("%w: hybrid search: %w", ErrStorage, err)
	}
	if len(results) == 0 {
		return "", nil
	}
	var joined string
	for i, r := range results {
		if i > 0 {
			joined += "\n"
		}
		joined += "- " + r.Memory.Content
	}
	return joined, nil
}
