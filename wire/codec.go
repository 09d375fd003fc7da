package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Format selects the record encoding of a stream
type Format uint8

const (
	FormatJSON Format = iota // newline-delimited JSON records
	FormatCBOR               // length-prefixed CBOR maps
)

// String returns the format name
func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatCBOR:
		return "cbor"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(f))
	}
}

var (
	// ErrOversized reports a record larger than the negotiated limit.
	ErrOversized = errors.New("message exceeds size limit")
	// ErrMalformed reports a record that is not a valid Message.
	ErrMalformed = errors.New("malformed message")
)

var nullResult = json.RawMessage("null")

// envelope is the flat on-wire shape of every variant. CBOR reuses the json
// tags, so both framings share one field layout.
type envelope struct {
	ID           *uint64         `json:"id,omitempty"`
	Method       string          `json:"method,omitempty"`
	Params       json.RawMessage `json:"params,omitempty"`
	Target       string          `json:"target,omitempty"`
	Context      string          `json:"context,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        *Error          `json:"error,omitempty"`
	Source       string          `json:"source,omitempty"`
	Name         string          `json:"name,omitempty"`
	Capabilities []string        `json:"capabilities,omitempty"`
	Version      string          `json:"version,omitempty"`
}

func toEnvelope(m Message) (*envelope, error) {
	switch v := m.(type) {
	case *Request:
		id := v.ID
		return &envelope{ID: &id, Method: v.Method, Params: v.Params, Target: v.Target, Context: v.Context}, nil
	case *Response:
		id := v.ID
		env := &envelope{ID: &id, Result: v.Result, Error: v.Error, Source: v.Source}
		if env.Result == nil && env.Error == nil {
			env.Result = nullResult
		}
		return env, nil
	case *Cancel:
		id := v.ID
		return &envelope{ID: &id, Method: MethodCancel}, nil
	case *Notification:
		return &envelope{Method: v.Method, Params: v.Params}, nil
	case *Register:
		return &envelope{Name: v.Name, Capabilities: v.Capabilities, Version: v.Version}, nil
	case nil:
		return nil, fmt.Errorf("%w: nil message", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: unsupported message type %T", ErrMalformed, m)
	}
}

func (e *envelope) message() (Message, error) {
	switch {
	case e.Name != "":
		return &Register{Name: e.Name, Capabilities: e.Capabilities, Version: e.Version}, nil
	case e.Result != nil || e.Error != nil:
		if e.ID == nil {
			return nil, fmt.Errorf("%w: response without id", ErrMalformed)
		}
		return &Response{ID: *e.ID, Result: e.Result, Error: e.Error, Source: e.Source}, nil
	case e.Method != "":
		if e.ID == nil {
			return &Notification{Method: e.Method, Params: e.Params}, nil
		}
		if e.Method == MethodCancel {
			return &Cancel{ID: *e.ID}, nil
		}
		return &Request{ID: *e.ID, Method: e.Method, Params: e.Params, Target: e.Target, Context: e.Context}, nil
	default:
		return nil, fmt.Errorf("%w: record has neither method, result, error nor name", ErrMalformed)
	}
}

// Encode serializes one Message without framing
func Encode(f Format, m Message) ([]byte, error) {
	env, err := toEnvelope(m)
	if err != nil {
		return nil, err
	}
	return marshal(f, env)
}

// Decode parses one unframed record
func Decode(f Format, data []byte) (Message, error) {
	var env envelope
	if err := unmarshal(f, data, &env); err != nil {
		return nil, err
	}
	return env.message()
}

// EncodeBatch serializes responses as one frame body: a single record when
// there is exactly one response, an ordered array otherwise.
func EncodeBatch(f Format, responses []*Response) ([]byte, error) {
	if len(responses) == 0 {
		return nil, errors.New("empty batch")
	}
	if len(responses) == 1 {
		return Encode(f, responses[0])
	}
	envs := make([]*envelope, 0, len(responses))
	for _, r := range responses {
		env, err := toEnvelope(r)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return marshal(f, envs)
}

// DecodeBatch parses a frame body produced by EncodeBatch
func DecodeBatch(f Format, data []byte) ([]*Response, error) {
	if !isArray(f, data) {
		m, err := Decode(f, data)
		if err != nil {
			return nil, err
		}
		r, ok := m.(*Response)
		if !ok {
			return nil, fmt.Errorf("%w: expected response, got %s", ErrMalformed, m.Kind())
		}
		return []*Response{r}, nil
	}

	var envs []envelope
	if err := unmarshal(f, data, &envs); err != nil {
		return nil, err
	}
	out := make([]*Response, 0, len(envs))
	for i := range envs {
		m, err := envs[i].message()
		if err != nil {
			return nil, fmt.Errorf("batch element %d: %w", i, err)
		}
		r, ok := m.(*Response)
		if !ok {
			return nil, fmt.Errorf("%w: batch element %d is a %s", ErrMalformed, i, m.Kind())
		}
		out = append(out, r)
	}
	return out, nil
}

func isArray(f Format, data []byte) bool {
	if f == FormatCBOR {
		// major type 4
		return len(data) > 0 && data[0]>>5 == 4
	}
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '['
}

func marshal(f Format, v any) ([]byte, error) {
	switch f {
	case FormatJSON:
		return json.Marshal(v)
	case FormatCBOR:
		return cbor.Marshal(v)
	default:
		return nil, fmt.Errorf("unsupported format %s", f)
	}
}

func unmarshal(f Format, data []byte, v any) error {
	var err error
	switch f {
	case FormatJSON:
		err = json.Unmarshal(data, v)
	case FormatCBOR:
		err = cbor.Unmarshal(data, v)
	default:
		return fmt.Errorf("unsupported format %s", f)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
