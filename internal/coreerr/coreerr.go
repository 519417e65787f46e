// Package coreerr enumerates the error taxonomy shared by every component
// of the core. Errors are sentinel values checked with errors.Is; call
// sites wrap them with context via fmt.Errorf("...: %w", ErrX).
package coreerr

import "errors"

var (
	// ErrStorage is a KV read/write failure. Surfaced to the caller; the
	// store never retries internally.
	ErrStorage = errors.New("storage_error")

	// ErrParse means an LLM response could not be parsed into the expected
	// artifact shape. The artifact is not cached and the job is not
	// auto-retried.
	ErrParse = errors.New("parse_error")

	// ErrLLMNetwork is a transport failure. Retried by the call gate with
	// backoff up to max_retries; if still failing it is surfaced to the
	// artifact pipeline, which drops the write.
	ErrLLMNetwork = errors.New("llm_network_error")

	// ErrLLMRateLimit is retried indefinitely by the throttle loop and is
	// never surfaced to a caller.
	ErrLLMRateLimit = errors.New("llm_rate_limit")

	// ErrAuth is surfaced after one re-auth round has also failed.
	ErrAuth = errors.New("auth_error")

	// ErrCancelled means the caller's context was cancelled. Never retried.
	ErrCancelled = errors.New("cancelled")

	// ErrPrivacyBlocked means the privacy collaborator vetoed the call
	// before any network traffic occurred. Never retried.
	ErrPrivacyBlocked = errors.New("privacy_blocked")

	// ErrPatch means a document patch operation failed (missing section,
	// missing DEL target, unknown action type). The document is left
	// unchanged.
	ErrPatch = errors.New("patch_error")

	// ErrGateBlocked is used only by the proactive check-in orchestrator
	// when one of its gates fires. Logged, never surfaced to the UI.
	ErrGateBlocked = errors.New("gate_blocked")
)
