package orchestrator

// State is a step of one extraction request.
type State int

const (
	StateStart State = iota
	StateRateLimitCheck
	StateDenied
	StateStrategySelect
	StatePrimaryAttempt
	StateFallbackAttempt
	StateScore
	StateRecord
	StateUpdateAggregate
	StateDone
)

var stateNames = [...]string{
	StateStart:           "start",
	StateRateLimitCheck:  "rate_limit_check",
	StateDenied:          "denied",
	StateStrategySelect:  "strategy_select",
	StatePrimaryAttempt:  "primary_attempt",
	StateFallbackAttempt: "fallback_attempt",
	StateScore:           "score",
	StateRecord:          "record",
	StateUpdateAggregate: "update_aggregate",
	StateDone:            "done",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Status is the terminal outcome reported to the caller.
type Status string

const (
	StatusSuccess     Status = "success"
	StatusFailed      Status = "failed"
	StatusRateLimited Status = "rate_limited"
	StatusRejected    Status = "rejected"
	StatusUnavailable Status = "unavailable"
	StatusCancelled   Status = "cancelled"
)
