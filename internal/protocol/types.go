package protocol

import "encoding/json"

// Kind is the discriminator carried in the "type" field of every frame.
type Kind string

const (
	// Coordinator -> Worker
	KindWork  Kind = "work"  // Process a unit of work
	KindRetry Kind = "retry" // Process a unit of work again
	KindExit  Kind = "exit"  // Acknowledge and terminate

	// Worker -> Coordinator
	KindDone  Kind = "done"  // Request finished
	KindError Kind = "error" // Request failed
	KindNew   Kind = "new"   // Worker asks for more items to be enqueued

	// KindRetry is also used Worker -> Coordinator to acknowledge a retry.
)

// NoCorrelation is the id carried by messages that answer no prior request
// (Exit, New, and Error frames raised before any request was read).
const NoCorrelation int64 = -1

// CoordinatorKinds returns the closed set of kinds a worker must handle.
func CoordinatorKinds() []Kind {
	return []Kind{KindWork, KindRetry, KindExit}
}

// WorkerKinds returns the closed set of kinds the coordinator must handle.
func WorkerKinds() []Kind {
	return []Kind{KindDone, KindError, KindRetry, KindNew}
}

// Message is implemented by every frame type.
type Message interface {
	MessageKind() Kind
	MessageID() int64
}

// CoordinatorMessage is a frame sent from the coordinator to a worker.
// The set of implementations is closed to this package.
type CoordinatorMessage interface {
	Message
	coordinatorMessage()
}

// WorkerMessage is a frame sent from a worker to the coordinator.
// The set of implementations is closed to this package.
type WorkerMessage interface {
	Message
	workerMessage()
}

// Work asks a worker to process Payload.
type Work struct {
	ID      int64
	Payload json.RawMessage
}

// Retry asks a worker to process Payload again.
type Retry struct {
	ID           int64
	RetryCounter int
	Payload      json.RawMessage
}

// Exit asks a worker to acknowledge and terminate. Its id is always NoCorrelation.
type Exit struct{}

// Done reports that request ID finished.
type Done struct {
	ID int64
}

// Error reports that request ID failed.
type Error struct {
	ID      int64
	Message string
}

// RetryAck acknowledges that a retry of request ID was accepted.
type RetryAck struct {
	ID int64
}

// NewWork asks the coordinator to enqueue WorkItems. Its id is always NoCorrelation.
type NewWork struct {
	WorkItems []json.RawMessage
}

func (Work) MessageKind() Kind      { return KindWork }
func (m Work) MessageID() int64     { return m.ID }
func (Retry) MessageKind() Kind     { return KindRetry }
func (m Retry) MessageID() int64    { return m.ID }
func (Exit) MessageKind() Kind      { return KindExit }
func (Exit) MessageID() int64       { return NoCorrelation }
func (Done) MessageKind() Kind      { return KindDone }
func (m Done) MessageID() int64     { return m.ID }
func (Error) MessageKind() Kind     { return KindError }
func (m Error) MessageID() int64    { return m.ID }
func (RetryAck) MessageKind() Kind  { return KindRetry }
func (m RetryAck) MessageID() int64 { return m.ID }
func (NewWork) MessageKind() Kind   { return KindNew }
func (NewWork) MessageID() int64    { return NoCorrelation }

func (Work) coordinatorMessage()  {}
func (Retry) coordinatorMessage() {}
func (Exit) coordinatorMessage()  {}

func (Done) workerMessage()     {}
func (Error) workerMessage()    {}
func (RetryAck) workerMessage() {}
func (NewWork) workerMessage()  {}

// envelope is the JSON shape of one frame on the wire.
type envelope struct {
	Type         Kind              `json:"type"`
	ID           *int64            `json:"id"`
	Payload      json.RawMessage   `json:"payload,omitempty"`
	RetryCounter *int              `json:"retry_counter,omitempty"`
	Message      string            `json:"message,omitempty"`
	WorkItems    []json.RawMessage `json:"work_items,omitempty"`
}
