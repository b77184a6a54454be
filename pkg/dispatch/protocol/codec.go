package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// MaxLineSize bounds one framed message. Manifests travel inline.
const MaxLineSize = 10 << 20

type validator interface {
	Validate() error
}

// Encoder frames payloads as single JSON lines. It is safe for concurrent use;
// each message reaches the writer in one Write call.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Send writes payload as a msgType message. Payloads with a Validate method
// are checked before anything is written.
func (e *Encoder) Send(msgType MessageType, payload any) error {
	if err := msgType.Validate(); err != nil {
		return err
	}
	if v, ok := payload.(validator); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("invalid %s payload: %w", msgType, err)
		}
	}

	msg := Message{Type: msgType, Timestamp: time.Now().UTC()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
		}
		msg.Data = data
	}

	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", msgType, err)
	}
	if len(line) >= MaxLineSize {
		return fmt.Errorf("%s message is %d bytes, limit is %d", msgType, len(line), MaxLineSize)
	}
	line = append(line, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(line); err != nil {
		return fmt.Errorf("failed to write %s message: %w", msgType, err)
	}
	return nil
}

// DecodeError reports a line of the stream that is not a valid message.
type DecodeError struct {
	Line int
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decoder reads framed messages.
type Decoder struct {
	scanner *bufio.Scanner
	line    int
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), MaxLineSize)
	return &Decoder{scanner: scanner}
}

// Next returns the next message, skipping blank lines. It returns io.EOF
// once the stream is exhausted. After a *DecodeError the decoder can keep
// reading; any other error is final.
func (d *Decoder) Next() (*Message, error) {
	for d.scanner.Scan() {
		d.line++
		raw := bytes.TrimSpace(d.scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, &DecodeError{Line: d.line, Err: err}
		}
		if err := msg.Type.Validate(); err != nil {
			return nil, &DecodeError{Line: d.line, Err: err}
		}
		return &msg, nil
	}

	err := d.scanner.Err()
	switch {
	case err == nil:
		return nil, io.EOF
	case errors.Is(err, bufio.ErrTooLong):
		return nil, fmt.Errorf("line %d: message exceeds %d bytes: %w", d.line+1, MaxLineSize, err)
	default:
		return nil, fmt.Errorf("failed to read message stream: %w", err)
	}
}

// Unpack decodes the payload of a want message into a new T, validating it
// when T has a Validate method.
func Unpack[T any](msg *Message, want MessageType) (*T, error) {
	if msg.Type != want {
		return nil, fmt.Errorf("expected %s message, got %s", want, msg.Type)
	}

	out := new(T)
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, out); err != nil {
			return nil, fmt.Errorf("failed to decode %s payload: %w", want, err)
		}
	}
	if v, ok := any(out).(validator); ok {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", want, err)
		}
	}
	return out, nil
}
