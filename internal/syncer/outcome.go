package syncer

// State identifies a step of the sync cycle. An outcome records the
// state the cycle finished in, which for failures is the step that
// raised the error.
type State string

const (
	StateIdle           State = "idle"
	StateCheckEnabled   State = "check_enabled"
	StateAuthenticating State = "authenticating"
	StatePulling        State = "pulling"
	StateMerging        State = "merging"
	StatePushing        State = "pushing"
	StateAdvancing      State = "advancing"
	StateDone           State = "done"
)

// Status is the overall result of one sync cycle.
type Status int

const (
	// StatusSuccess: the cycle pulled, merged, and advanced the
	// watermark. The push may still have failed; see Outcome.PushErr.
	StatusSuccess Status = iota

	// StatusNoop: sync is disabled; nothing was attempted.
	StatusNoop

	// StatusRetry: a temporary condition (no identity yet, transport
	// failure) stopped the cycle. The scheduler should back off and retry.
	StatusRetry

	// StatusFatal: the cycle failed in a way retrying will not fix.
	// The next periodic tick starts fresh.
	StatusFatal
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusNoop:
		return "noop"
	case StatusRetry:
		return "retry"
	case StatusFatal:
		return "fatal"
	}

	return "unknown"
}

// Outcome reports how a sync cycle ended.
type Outcome struct {
	Status Status
	State  State
	Err    error

	// PushErr records a push failure on an otherwise successful cycle.
	// The merge is retained and the next cycle resends current state,
	// so this is informational, not a cycle failure.
	PushErr error

	// Pulled and Merged count records received and applied; Skipped
	// counts malformed records dropped during merge.
	Pulled  int
	Merged  int
	Skipped int
}

// Retryable reports whether the scheduler should retry with backoff.
func (o Outcome) Retryable() bool {
	return o.Status == StatusRetry
}

// OK reports whether the cycle counts as successful (including the
// disabled no-op case).
func (o Outcome) OK() bool {
	return o.Status == StatusSuccess || o.Status == StatusNoop
}
