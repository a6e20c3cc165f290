package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxFrameSize caps a single encoded frame, newline included.
const MaxFrameSize = 1 << 20

// Encoder writes newline-delimited JSON frames. It is safe for concurrent use;
// frames from concurrent callers are never interleaved.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode validates msg and writes it as one frame.
func (e *Encoder) Encode(msg Message) error {
	if err := Validate(msg); err != nil {
		return err
	}

	data, err := json.Marshal(toEnvelope(msg))
	if err != nil {
		return fmt.Errorf("failed to encode %s message: %w", msg.MessageKind(), err)
	}
	data = append(data, '\n')
	if len(data) > MaxFrameSize {
		return fmt.Errorf("encode %s message (id=%d): %w", msg.MessageKind(), msg.MessageID(), ErrFrameTooLarge)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("failed to write %s message: %w", msg.MessageKind(), err)
	}
	return nil
}

// Decoder reads newline-delimited JSON frames. It is not safe for concurrent use.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), MaxFrameSize)
	return &Decoder{scanner: s}
}

// DecodeCoordinator reads the next frame sent by a coordinator.
//
// It returns io.EOF when the stream ends, *UnknownKindError when the frame is
// not a coordinator kind and *InvalidMessageError when the frame is malformed.
// After an UnknownKindError or InvalidMessageError the decoder can continue.
func (d *Decoder) DecodeCoordinator() (CoordinatorMessage, error) {
	env, err := d.next()
	if err != nil {
		return nil, err
	}

	var msg CoordinatorMessage
	switch env.Type {
	case KindWork:
		msg = Work{ID: *env.ID, Payload: env.Payload}
	case KindRetry:
		m := Retry{ID: *env.ID, Payload: env.Payload}
		if env.RetryCounter != nil {
			m.RetryCounter = *env.RetryCounter
		}
		msg = m
	case KindExit:
		if *env.ID != NoCorrelation {
			return nil, &InvalidMessageError{ID: *env.ID, Kind: KindExit, Reason: "exit id must be -1"}
		}
		msg = Exit{}
	default:
		return nil, &UnknownKindError{ID: *env.ID, Kind: env.Type}
	}

	if err := Validate(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// DecodeWorker reads the next frame sent by a worker. Errors follow the same
// rules as DecodeCoordinator.
func (d *Decoder) DecodeWorker() (WorkerMessage, error) {
	env, err := d.next()
	if err != nil {
		return nil, err
	}

	var msg WorkerMessage
	switch env.Type {
	case KindDone:
		msg = Done{ID: *env.ID}
	case KindError:
		msg = Error{ID: *env.ID, Message: env.Message}
	case KindRetry:
		msg = RetryAck{ID: *env.ID}
	case KindNew:
		if *env.ID != NoCorrelation {
			return nil, &InvalidMessageError{ID: *env.ID, Kind: KindNew, Reason: "new id must be -1"}
		}
		msg = NewWork{WorkItems: env.WorkItems}
	default:
		return nil, &UnknownKindError{ID: *env.ID, Kind: env.Type}
	}

	if err := Validate(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// next reads one non-blank line and parses the envelope.
func (d *Decoder) next() (*envelope, error) {
	for {
		if !d.scanner.Scan() {
			err := d.scanner.Err()
			if err == nil {
				return nil, io.EOF
			}
			if errors.Is(err, bufio.ErrTooLong) {
				return nil, ErrFrameTooLarge
			}
			return nil, fmt.Errorf("failed to read frame: %w", err)
		}

		line := bytes.TrimSpace(d.scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var env envelope
		dec := json.NewDecoder(bytes.NewReader(line))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&env); err != nil {
			return nil, &InvalidMessageError{ID: NoCorrelation, Reason: fmt.Sprintf("frame is not valid JSON: %v", err)}
		}
		if env.Type == "" {
			return nil, &InvalidMessageError{ID: idOrNone(env.ID), Reason: "missing required field: type"}
		}
		if env.ID == nil {
			return nil, &InvalidMessageError{ID: NoCorrelation, Kind: env.Type, Reason: "missing required field: id"}
		}
		return &env, nil
	}
}

// Validate checks the id conventions of msg.
func Validate(msg Message) error {
	switch m := msg.(type) {
	case Work:
		if m.ID < 0 {
			return &InvalidMessageError{ID: m.ID, Kind: KindWork, Reason: "work id must be non-negative"}
		}
	case Retry:
		if m.ID < 0 {
			return &InvalidMessageError{ID: m.ID, Kind: KindRetry, Reason: "retry id must be non-negative"}
		}
		if m.RetryCounter < 0 {
			return &InvalidMessageError{ID: m.ID, Kind: KindRetry, Reason: "retry_counter must be non-negative"}
		}
	case Exit, NewWork:
		// id is fixed by the type
	case Done, RetryAck:
		if m.MessageID() < NoCorrelation {
			return &InvalidMessageError{ID: m.MessageID(), Kind: m.MessageKind(), Reason: "id out of range"}
		}
	case Error:
		if m.ID < NoCorrelation {
			return &InvalidMessageError{ID: m.ID, Kind: KindError, Reason: "id out of range"}
		}
		if m.Message == "" {
			return &InvalidMessageError{ID: m.ID, Kind: KindError, Reason: "error message is empty"}
		}
	case nil:
		return &InvalidMessageError{ID: NoCorrelation, Reason: "nil message"}
	default:
		return &UnknownKindError{ID: msg.MessageID(), Kind: msg.MessageKind()}
	}
	return nil
}

func toEnvelope(msg Message) envelope {
	id := msg.MessageID()
	env := envelope{Type: msg.MessageKind(), ID: &id}
	switch m := msg.(type) {
	case Work:
		env.Payload = m.Payload
	case Retry:
		counter := m.RetryCounter
		env.RetryCounter = &counter
		env.Payload = m.Payload
	case Error:
		env.Message = m.Message
	case NewWork:
		env.WorkItems = m.WorkItems
	}
	return env
}

func idOrNone(id *int64) int64 {
	if id == nil {
		return NoCorrelation
	}
	return *id
}
