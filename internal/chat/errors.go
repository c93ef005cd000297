package chat

import "errors"

// Sentinel errors for the Chat Orchestrator, distinguished by kind (spec
// §7) rather than string matching. Each package in this module owns its
// own sentinels rather than sharing one global taxonomy, matching the
// teacher's per-package convention (resilience.ErrCircuitOpen,
// entity.ErrNotFound).
var (
	// ErrValidation marks a synchronously-rejected bad request: empty user
	// input, unknown character ID.
	ErrValidation = errors.New("chat: validation error")

	// ErrTransientUpstream marks an LM failure that a caller may retry.
	ErrTransientUpstream = errors.New("chat: transient upstream error")

	// ErrStorage marks a hard storage failure that must propagate to the
	// caller rather than being recovered silently.
	ErrStorage = errors.New("chat: storage error")
)
