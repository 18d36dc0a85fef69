package bus

import "time"

// Exchange event topics.
const (
	TopicExchangeStarted  = "exchange.started"
	TopicExchangeResponse = "exchange.response"
	TopicExchangeComplete = "exchange.complete"
	TopicExchangeFailed   = "exchange.failed"
	TopicExchangeBlocked  = "exchange.blocked"
)

// Delegation event topics. Payloads are delegation.Event values; the topic
// mirrors the event's Type field with a "delegation." prefix.
const (
	TopicDelegationPrefix = "delegation."
)

// ExchangeStarted is published when the orchestrator launches a flow.
type ExchangeStarted struct {
	JobID     string
	TargetKey string
	StartTurn int
	Resumed   bool
	Timestamp time.Time
}

// ExchangeResponse is published after each completed turn.
type ExchangeResponse struct {
	JobID     string
	TargetKey string
	Turn      int
	Timestamp time.Time
}

// ExchangeComplete is published when a flow finishes successfully.
type ExchangeComplete struct {
	JobID     string
	TargetKey string
	Turns     int
	Timestamp time.Time
}

// ExchangeFailed is published when a flow gives up.
type ExchangeFailed struct {
	JobID     string
	TargetKey string
	Error     string
	Timestamp time.Time
}

// ExchangeBlocked is published when the concurrency gate timed out; the
// exchange was skipped, not failed.
type ExchangeBlocked struct {
	JobID     string
	TargetKey string
	Active    int
	Timestamp time.Time
}
