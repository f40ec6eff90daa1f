package model

import "errors"

// Sentinel errors shared across the usefulness engine. HTTP and MCP handlers
// map these via errors.Is to status codes / tool-error payloads; component
// code never inspects error strings.
var (
	// ErrInvalidSignalType is returned when signal_type is not one of the
	// four recognized values.
	ErrInvalidSignalType = errors.New("usefulness: invalid signal_type")
	// ErrConfidenceOutOfRange is returned when confidence is outside [0,1].
	ErrConfidenceOutOfRange = errors.New("usefulness: confidence out of range [0,1]")
	// ErrMissingQuery is returned when query is empty.
	ErrMissingQuery = errors.New("usefulness: query is required")
	// ErrUnknownFact is returned when fact_id does not exist in the bank.
	ErrUnknownFact = errors.New("usefulness: unknown fact_id")
	// ErrEmbedFailed is returned when the embedding provider fails; it is
	// never papered over with a zero vector.
	ErrEmbedFailed = errors.New("usefulness: embedding failed")
	// ErrStoreConflict is returned when optimistic-concurrency retries are
	// exhausted for a single ApplySignal call.
	ErrStoreConflict = errors.New("usefulness: store write conflict")
	// ErrBusy is returned when a bank's in-flight signal concurrency bound
	// is exceeded.
	ErrBusy = errors.New("usefulness: bank is busy, retry later")
	// ErrNotFound is returned when a context or fact lookup finds nothing.
	ErrNotFound = errors.New("usefulness: not found")
	// ErrInvariantViolation indicates a bug: a score outside [0,1] was read
	// back from storage, or two contexts for the same fact were closer than
	// the merge threshold. This is never silently clamped or merged away.
	ErrInvariantViolation = errors.New("usefulness: invariant violation")
)
