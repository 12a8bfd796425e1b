package domain

import "time"

// Direction is the traffic direction of a message webhook.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
	DirectionNone     Direction = ""
)

// EventKind selects which normalization path a task takes.
type EventKind string

const (
	KindMessage   EventKind = "message"
	KindLifecycle EventKind = "lifecycle"
)

// Task is one pending ingestion unit sitting in the intake queue.
type Task struct {
	Tenant     string
	Payload    []byte
	Direction  Direction
	Kind       EventKind
	ReceivedAt time.Time
}
