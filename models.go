package hookrelay

import (
	"encoding/json"
	"time"

	"github.com/overtonx/hookrelay/storage"
)

// Outcome is the result of handling one dispatch instruction.
type Outcome string

const (
	OutcomeDelivered     Outcome = "delivered"
	OutcomeDuplicate     Outcome = "duplicate"
	OutcomePoison        Outcome = "poison"
	OutcomeUnknownTenant Outcome = "unknown_tenant"
	OutcomeFailed        Outcome = "failed"
	OutcomeConflict      Outcome = "conflict"
	OutcomeTransient     Outcome = "transient"
)

// Acknowledge reports whether the instruction should be removed from the queue.
// Every other outcome is nacked so the queue redelivers it.
func (o Outcome) Acknowledge() bool {
	switch o {
	case OutcomeDelivered, OutcomeDuplicate, OutcomePoison, OutcomeUnknownTenant:
		return true
	default:
		return false
	}
}

func (o Outcome) String() string {
	return string(o)
}

// IngestRequest is a payload accepted for a tenant.
type IngestRequest struct {
	TenantID string          `json:"tenant_id"`
	Payload  json.RawMessage `json:"payload"`
}

// IngestResult identifies the event created for an accepted payload.
type IngestResult struct {
	EventID   string              `json:"event_id"`
	Status    storage.EventStatus `json:"status"`
	CreatedAt time.Time           `json:"created_at"`
}

// ReconcileRequest bounds one reconciliation run. Zero values use defaults.
type ReconcileRequest struct {
	BatchSize   int `json:"batch_size"`
	MaxMessages int `json:"max_messages"`
}

type ReconcileResult struct {
	Requeued int `json:"requeued"`
	Failed   int `json:"failed"`
}
