// Package entityresolve maps a raw entity name, as mentioned in a
// conversation turn or extracted fact, to the canonical [memory.Entity] it
// refers to — minting a fresh entity only when no existing one matches.
//
// Resolution proceeds through four stages, ordered from the most exact match
// to the loosest, and stops at the first hit:
//
//  1. Alias lookup against a static, reloadable alias map.
//  2. Case-insensitive exact name/alias match against the knowledge graph.
//  3. Semantic dedup via embedding cosine similarity (only when an
//     [embeddings.Provider] is configured).
//  4. Phonetic/fuzzy fallback (only when no embedder is configured) to catch
//     near-miss raw names — typos, mis-transcriptions — before minting a
//     needless duplicate entity.
//
// If none of the above produce a match, Resolve mints a new, deterministic
// entity ID from the raw name; the caller is responsible for upserting the
// new entity (together with any returned embedding) into the graph.
package entityresolve

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/antzucaro/matchr"

	"github.com/cheshiremew/lumina/pkg/memory"
	"github.com/cheshiremew/lumina/pkg/provider/embeddings"
)

const (
	// DefaultSimilarityThreshold is the minimum cosine similarity required
	// for the semantic-dedup stage to accept a match, per the spec's
	// "cosine similarity > 0.92" resolution rule.
	DefaultSimilarityThreshold = 0.92

	// defaultPhoneticThreshold is the minimum Jaro-Winkler score required
	// for the phonetic-fallback stage to accept a match.
	defaultPhoneticThreshold = 0.70
)

// Result is what Resolve returns for a raw name.
type Result struct {
	// EntityID is the canonical entity ID the raw name resolves to.
	EntityID string

	// Embedding is the vector computed for the raw name when a new entity is
	// minted with an embedder configured. Nil whenever an existing entity
	// matched (at any stage, the semantic stage included) and when no
	// embedder is configured.
	Embedding []float32

	// IsNew is true when no existing entity matched and EntityID names an
	// entity the caller must still create.
	IsNew bool
}

// Option configures a [Resolver].
type Option func(*Resolver)

// WithSimilarityThreshold overrides [DefaultSimilarityThreshold].
func WithSimilarityThreshold(threshold float64) Option {
	return func(r *Resolver) { r.similarityThreshold = threshold }
}

// WithPhoneticFallback enables or disables the phonetic-fallback stage.
// Disabled by default; the caller's config decides (§4.2: supplemented
// feature, opt-in).
func WithPhoneticFallback(enabled bool) Option {
	return func(r *Resolver) { r.phoneticFallback = enabled }
}

// WithPhoneticThreshold overrides the phonetic-fallback acceptance
// threshold (Jaro-Winkler score in [0,1]). Default 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(r *Resolver) { r.phoneticThreshold = threshold }
}

// Resolver resolves raw entity-name mentions to canonical graph entities.
//
// Safe for concurrent use. The alias map is read-mostly and guarded by a
// [sync.RWMutex] so [Resolver.Reload] can swap it without blocking readers
// for more than the duration of the swap.
type Resolver struct {
	mu       sync.RWMutex
	aliasMap map[string]string

	graph    memory.GraphStore
	embedder embeddings.Provider // nil disables semantic dedup

	similarityThreshold float64
	phoneticFallback    bool
	phoneticThreshold   float64
}

// New constructs a Resolver. graph must be non-nil; embedder may be nil, in
// which case the semantic-dedup stage is skipped for every call.
func New(graph memory.GraphStore, embedder embeddings.Provider, aliasMap map[string]string, opts ...Option) *Resolver {
	r := &Resolver{
		aliasMap:            cloneAliasMap(aliasMap),
		graph:               graph,
		embedder:            embedder,
		similarityThreshold: DefaultSimilarityThreshold,
		phoneticThreshold:   defaultPhoneticThreshold,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Reload atomically replaces the alias map. Safe to call concurrently with
// [Resolver.Resolve].
func (r *Resolver) Reload(aliasMap map[string]string) {
	cloned := cloneAliasMap(aliasMap)
	r.mu.Lock()
	r.aliasMap = cloned
	r.mu.Unlock()
}

// Resolve maps raw to a canonical entity ID scoped to characterID, following
// the four-stage algorithm documented on the package. raw is matched
// case-insensitively at every stage except the deterministic ID derivation
// of a brand-new entity, which preserves raw's original casing in Name but
// lower-cases the ID itself.
func (r *Resolver) Resolve(ctx context.Context, characterID, raw string) (*Result, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("entityresolve: raw name must not be empty")
	}

	// Stage 1: alias lookup.
	if canonical, ok := r.lookupAlias(trimmed); ok {
		return &Result{EntityID: EntityID(canonical)}, nil
	}

	// Stage 2: case-insensitive exact match.
	existing, err := r.graph.FindEntityByAlias(ctx, characterID, trimmed)
	if err != nil {
		return nil, fmt.Errorf("entityresolve: exact match lookup: %w", err)
	}
	if existing != nil {
		return &Result{EntityID: existing.ID}, nil
	}

	// Stage 3: semantic dedup, only when an embedder is configured.
	if r.embedder != nil {
		vec, err := r.embedder.Embed(ctx, trimmed)
		if err != nil {
			return nil, fmt.Errorf("entityresolve: embed raw name: %w", err)
		}
		candidates, err := r.graph.FindEntitiesBySimilarEmbedding(ctx, characterID, vec, r.similarityThreshold, 1)
		if err != nil {
			return nil, fmt.Errorf("entityresolve: semantic dedup lookup: %w", err)
		}
		if len(candidates) > 0 {
			return &Result{EntityID: candidates[0].ID}, nil
		}
		return &Result{EntityID: EntityID(trimmed), Embedding: vec, IsNew: true}, nil
	}

	// Stage 4: phonetic/fuzzy fallback, only reached when no embedder is
	// configured (§4.2: retrieval falls back to lexical-only without an
	// embedder, so this substitutes for the semantic stage rather than
	// running alongside it).
	if r.phoneticFallback {
		all, err := r.graph.FindEntities(ctx, memory.EntityFilter{CharacterID: characterID})
		if err != nil {
			return nil, fmt.Errorf("entityresolve: phonetic candidate lookup: %w", err)
		}
		if match, ok := r.phoneticMatch(trimmed, all); ok {
			return &Result{EntityID: match.ID}, nil
		}
	}

	// Stage 5: mint a new entity.
	return &Result{EntityID: EntityID(trimmed), IsNew: true}, nil
}

func (r *Resolver) lookupAlias(raw string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	canonical, ok := r.aliasMap[strings.ToLower(raw)]
	return canonical, ok
}

// phoneticMatch finds the best phonetic/fuzzy match for raw among
// candidates' names, using Double Metaphone code overlap to shortlist and
// Jaro-Winkler similarity (antzucaro/matchr) to rank, the same two-stage
// strategy the teacher uses for transcript entity correction.
func (r *Resolver) phoneticMatch(raw string, candidates []memory.Entity) (*memory.Entity, bool) {
	rawLower := strings.ToLower(raw)
	rawCodes := phoneticCodes(rawLower)

	var best *memory.Entity
	var bestScore float64

	for i := range candidates {
		name := strings.ToLower(candidates[i].Name)
		if name == "" {
			continue
		}
		nameCodes := phoneticCodes(name)
		if !codesOverlap(rawCodes, nameCodes) {
			continue
		}
		score := matchr.JaroWinkler(rawLower, name, false)
		if score >= r.phoneticThreshold && score > bestScore {
			best = &candidates[i]
			bestScore = score
		}
	}

	if best == nil {
		return nil, false
	}
	return best, true
}

func phoneticCodes(s string) map[string]struct{} {
	codes := make(map[string]struct{}, 2*len(strings.Fields(s)))
	for _, tok := range strings.Fields(s) {
		p, sec := matchr.DoubleMetaphone(tok)
		if p != "" {
			codes[p] = struct{}{}
		}
		if sec != "" {
			codes[sec] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

func cloneAliasMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out
}

// EntityID derives the deterministic entity ID for a canonical or raw name:
// lower-cased, whitespace-collapsed. Parameterized queries in
// pkg/memory/postgres make the spec's "bracket-quoting" sanitization step
// unnecessary — the invariant it protects (deterministic IDs, no SQL
// injection via entity names) is preserved by placeholders instead.
func EntityID(name string) string {
	fields := strings.Fields(strings.ToLower(name))
	return "entity:" + strings.Join(fields, "_")
}
