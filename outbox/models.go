// Package outbox records engine events inside the transaction that produced
// them and relays them to a publisher afterwards.
package outbox

import (
	"encoding/json"
	"time"
)

// Event topics emitted by the engine.
const (
	TopicFollowUpSubmitted = "follow-up-submitted"
	TopicMatchVerified     = "match-verified"
	TopicMismatchDisputed  = "mismatch-disputed"
	TopicDisputeRaised     = "dispute-raised"
	TopicVoteCast          = "vote-cast"
	TopicDisputeResolved   = "dispute-resolved"
	TopicDisputeClosed     = "dispute-closed"
)

// Status values of the outbox table.
const (
	StatusPending   = "pending"
	StatusProcessed = "processed"
	StatusDead      = "dead"
)

// Event is one row of the outbox table.
type Event struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	Status    string          `json:"-"`
	Attempts  int             `json:"-"`
	LastError string          `json:"-"`
	CreatedAt time.Time       `json:"created_at"`
}
