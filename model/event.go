package model

import "time"

// Fact event types announced by the engine and its collaborators.
const (
	EventStateChanged     = "STATE_CHANGED"
	EventSLABreached      = "SLA_BREACHED"
	EventSLAEscalation    = "SLA_ESCALATION"
	EventStuckDetected    = "STUCK_DETECTED"
	EventSagaCompensation = "SAGA.COMPENSATION"
)

// Envelope origin markers. A fact originating from the broadcast channel is
// never re-published to the broadcast channel.
const (
	OriginLocal     = "local"
	OriginBroadcast = "broadcast"
)

// Envelope is the unit published to every transport. ID is shared across
// transports, so a consumer's duplicate suppression collapses at-least-once
// delivery from all of them into effectively-once processing.
type Envelope struct {
	ID                  string         `json:"id"`
	EventType           string         `json:"eventType"`
	Payload             map[string]any `json:"payload"`
	PublishedAt         time.Time      `json:"publishedAt"`
	PublisherInstanceID string         `json:"publisherInstanceId"`
	Origin              string         `json:"origin,omitempty"`
}

// OutboxEntry is one row of the transactional outbox, written in the same
// unit of work as the state change it announces and drained by a poller.
type OutboxEntry struct {
	ID          string     `json:"id"`
	Envelope    Envelope   `json:"envelope"`
	CreatedAt   time.Time  `json:"created_at"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// StateChangedPayload builds the STATE_CHANGED fact payload.
func StateChangedPayload(inst WorkflowInstance, fromState, toState, toStateName string, meta map[string]any) map[string]any {
	return map[string]any{
		"instanceId":  inst.ID,
		"workflowId":  inst.WorkflowID,
		"entityType":  inst.EntityType,
		"entityId":    inst.EntityID,
		"fromState":   fromState,
		"toState":     toState,
		"toStateName": toStateName,
		"meta":        meta,
	}
}
