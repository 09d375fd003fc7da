package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ResultType tags the shape of a Response result so front-ends can
// discriminate payloads without out-of-band schema knowledge.
type ResultType string

const (
	ResultMatches   ResultType = "matches"
	ResultEmpty     ResultType = "empty"
	ResultActivated ResultType = "activated"
	ResultStatus    ResultType = "status"
)

// Result is the tagged result payload
type Result struct {
	Type ResultType      `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ParseResult decodes a tagged result payload
func ParseResult(raw json.RawMessage) (*Result, error) {
	var r Result
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("%w: result: %v", ErrMalformed, err)
	}
	if r.Type == "" {
		return nil, fmt.Errorf("%w: result without type", ErrMalformed)
	}
	return &r, nil
}

// Matches decodes the data of a matches result
func (r *Result) Matches() ([]Match, error) {
	if r.Type != ResultMatches {
		return nil, fmt.Errorf("result is %q, not %q", r.Type, ResultMatches)
	}
	var ms []Match
	if err := json.Unmarshal(r.Data, &ms); err != nil {
		return nil, fmt.Errorf("%w: matches: %v", ErrMalformed, err)
	}
	return ms, nil
}

// EmptyResult is the result of a request nobody could answer
func EmptyResult() json.RawMessage {
	return json.RawMessage(`{"type":"empty"}`)
}

// ActivatedResult acknowledges an executed action
func ActivatedResult() json.RawMessage {
	return json.RawMessage(`{"type":"activated"}`)
}

// MatchesResult wraps matches in a tagged result
func MatchesResult(ms []Match) (json.RawMessage, error) {
	return taggedResult(ResultMatches, ms)
}

// StatusResult wraps a status report in a tagged result
func StatusResult(v any) (json.RawMessage, error) {
	return taggedResult(ResultStatus, v)
}

func taggedResult(t ResultType, v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s result: %w", t, err)
	}
	return json.Marshal(Result{Type: t, Data: data})
}

// Match is one search hit produced by a plugin
type Match struct {
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Icon        string        `json:"icon,omitempty"`
	Score       *float64      `json:"score,omitempty"`
	Actions     []MatchAction `json:"actions"`
}

// MatchAction is an action offered on a Match
type MatchAction struct {
	Title         string
	Action        Action
	CloseOnAction bool
}

type matchActionJSON struct {
	Title         string          `json:"title"`
	Action        json.RawMessage `json:"action"`
	CloseOnAction bool            `json:"close_on_action"`
}

// MarshalJSON implements json.Marshaler
func (m MatchAction) MarshalJSON() ([]byte, error) {
	raw, err := MarshalAction(m.Action)
	if err != nil {
		return nil, err
	}
	return json.Marshal(matchActionJSON{Title: m.Title, Action: raw, CloseOnAction: m.CloseOnAction})
}

// UnmarshalJSON implements json.Unmarshaler
func (m *MatchAction) UnmarshalJSON(data []byte) error {
	var aux matchActionJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	action, err := UnmarshalAction(aux.Action)
	if err != nil {
		return err
	}
	m.Title = aux.Title
	m.Action = action
	m.CloseOnAction = aux.CloseOnAction
	return nil
}

// ActionType is the discriminator of an Action
type ActionType string

const (
	ActionExec      ActionType = "exec"
	ActionOpen      ActionType = "open"
	ActionClipboard ActionType = "clipboard"
	ActionLaunch    ActionType = "launch"
	ActionCallback  ActionType = "callback"
)

// ErrUnknownAction reports an action whose type is not one of the known kinds.
var ErrUnknownAction = errors.New("unknown action type")

// Action is the closed set of side effects a Match can request. Every kind
// except CallbackAction is executed by the daemon itself.
type Action interface {
	Type() ActionType
	isAction()
}

// ExecAction runs a command detached from the daemon
type ExecAction struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

// OpenAction opens a path or URI with the desktop opener
type OpenAction struct {
	URI string `json:"uri"`
}

// ClipboardAction places text on the clipboard
type ClipboardAction struct {
	Text string `json:"text"`
}

// LaunchAction starts a desktop application by id
type LaunchAction struct {
	AppID       string   `json:"app_id"`
	Args        []string `json:"args,omitempty"`
	NewInstance bool     `json:"new_instance,omitempty"`
}

// CallbackAction is handed back to the plugin that produced the match.
// Key and Params are opaque to the daemon.
type CallbackAction struct {
	Key    string            `json:"key"`
	Params map[string]string `json:"params,omitempty"`
}

func (ExecAction) Type() ActionType      { return ActionExec }
func (OpenAction) Type() ActionType      { return ActionOpen }
func (ClipboardAction) Type() ActionType { return ActionClipboard }
func (LaunchAction) Type() ActionType    { return ActionLaunch }
func (CallbackAction) Type() ActionType  { return ActionCallback }

func (ExecAction) isAction()      {}
func (OpenAction) isAction()      {}
func (ClipboardAction) isAction() {}
func (LaunchAction) isAction()    {}
func (CallbackAction) isAction()  {}

// MarshalAction encodes an action with its "type" discriminator
func MarshalAction(a Action) ([]byte, error) {
	switch v := a.(type) {
	case ExecAction:
		return json.Marshal(struct {
			Type ActionType `json:"type"`
			ExecAction
		}{ActionExec, v})
	case OpenAction:
		return json.Marshal(struct {
			Type ActionType `json:"type"`
			OpenAction
		}{ActionOpen, v})
	case ClipboardAction:
		return json.Marshal(struct {
			Type ActionType `json:"type"`
			ClipboardAction
		}{ActionClipboard, v})
	case LaunchAction:
		return json.Marshal(struct {
			Type ActionType `json:"type"`
			LaunchAction
		}{ActionLaunch, v})
	case CallbackAction:
		return json.Marshal(struct {
			Type ActionType `json:"type"`
			CallbackAction
		}{ActionCallback, v})
	case nil:
		return nil, errors.New("nil action")
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownAction, a)
	}
}

// UnmarshalAction decodes an action by its "type" discriminator
func UnmarshalAction(data []byte) (Action, error) {
	var head struct {
		Type ActionType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: action: %v", ErrMalformed, err)
	}

	var (
		action Action
		err    error
	)
	switch head.Type {
	case ActionExec:
		var v ExecAction
		err = json.Unmarshal(data, &v)
		action = v
	case ActionOpen:
		var v OpenAction
		err = json.Unmarshal(data, &v)
		action = v
	case ActionClipboard:
		var v ClipboardAction
		err = json.Unmarshal(data, &v)
		action = v
	case ActionLaunch:
		var v LaunchAction
		err = json.Unmarshal(data, &v)
		action = v
	case ActionCallback:
		var v CallbackAction
		err = json.Unmarshal(data, &v)
		action = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, head.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s action: %v", ErrMalformed, head.Type, err)
	}
	return action, nil
}

// Activation is the params of an activate request: the action to execute and
// the plugin that offered it.
type Activation struct {
	Source string
	Action Action
}

type activationJSON struct {
	Source string          `json:"source,omitempty"`
	Action json.RawMessage `json:"action"`
}

// MarshalJSON implements json.Marshaler
func (a Activation) MarshalJSON() ([]byte, error) {
	raw, err := MarshalAction(a.Action)
	if err != nil {
		return nil, err
	}
	return json.Marshal(activationJSON{Source: a.Source, Action: raw})
}

// UnmarshalJSON implements json.Unmarshaler
func (a *Activation) UnmarshalJSON(data []byte) error {
	var aux activationJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	action, err := UnmarshalAction(aux.Action)
	if err != nil {
		return err
	}
	a.Source = aux.Source
	a.Action = action
	return nil
}

// CallbackParams is the params of a callback request sent to a plugin
type CallbackParams struct {
	Key    string            `json:"key"`
	Params map[string]string `json:"params,omitempty"`
}
