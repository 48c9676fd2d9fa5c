// Package wire defines the frames exchanged with the external solver and the
// request/result records built from them.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Outbound actions (relay -> solver).
const (
	ActionSolveHCaptcha  = "solve_hcaptcha"
	ActionSolveReCaptcha = "solve_recaptcha"
	ActionGetMousePath   = "get_mouse_path"
	ActionPing           = "ping"
)

// Inbound actions (solver -> relay).
const (
	ActionCaptchaResult = "captcha_result"
	ActionMousePath     = "mouse_path"
	ActionPong          = "pong"
	ActionError         = "error"
)

// Actions used only between the relay and its page agents.
const (
	ActionIsConnected     = "is_connected"
	ActionClientConnected = "client_connected"
	ActionSolveNow        = "solve_now"
	ActionToggleEnabled   = "toggle_enabled"
	ActionReconnect       = "reconnect"
)

// DefaultMouseSteps is used when a mouse path request does not carry steps.
const DefaultMouseSteps = 50

// Kind identifies what a SolveRequest asks for.
type Kind string

const (
	KindHCaptcha  Kind = "hcaptcha"
	KindReCaptcha Kind = "recaptcha"
	KindMousePath Kind = "mouse_path"
)

// Action returns the outbound action for the kind.
func (k Kind) Action() string {
	switch k {
	case KindHCaptcha:
		return ActionSolveHCaptcha
	case KindReCaptcha:
		return ActionSolveReCaptcha
	case KindMousePath:
		return ActionGetMousePath
	}
	return ""
}

// KindForAction maps an outbound or inbound action back to its kind.
func KindForAction(action string) (Kind, bool) {
	switch action {
	case ActionSolveHCaptcha:
		return KindHCaptcha, true
	case ActionSolveReCaptcha:
		return KindReCaptcha, true
	case ActionGetMousePath, ActionMousePath:
		return KindMousePath, true
	}
	return "", false
}

// Point is an [x, y] pair.
type Point [2]float64

// Envelope is one frame on the solver socket. Only Action is required; the
// remaining fields are populated depending on the action.
type Envelope struct {
	Action    string `json:"action"`
	RequestID string `json:"request_id,omitempty"`

	Sitekey string `json:"sitekey,omitempty"`
	URL     string `json:"url,omitempty"`
	Proxy   string `json:"proxy,omitempty"`
	Start   *Point `json:"start,omitempty"`
	End     *Point `json:"end,omitempty"`
	Steps   int    `json:"steps,omitempty"`

	Success *bool   `json:"success,omitempty"`
	Token   string  `json:"token,omitempty"`
	Error   string  `json:"error,omitempty"`
	Type    string  `json:"type,omitempty"`
	Path    []Point `json:"path,omitempty"`
	Solver  string  `json:"solver,omitempty"`
	Enabled *bool   `json:"enabled,omitempty"`
}

// Succeeded reports whether a captcha_result frame carries success=true.
func (e Envelope) Succeeded() bool {
	return e.Success != nil && *e.Success
}

// Bool returns a pointer to b for the optional boolean fields.
func Bool(b bool) *bool {
	return &b
}

// ProtocolError is returned when an inbound frame cannot be decoded.
type ProtocolError struct {
	Raw   []byte
	Cause error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %v (%d bytes)", e.Cause, len(e.Raw))
}

func (e *ProtocolError) Unwrap() error { return e.Cause }

var errMissingAction = errors.New("missing action field")

// Decode parses one frame. Frames that are not a JSON object with a non-empty
// action yield a *ProtocolError.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	trimmed := bytes.TrimSpace(data)
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return Envelope{}, &ProtocolError{Raw: data, Cause: err}
	}
	if env.Action == "" {
		return Envelope{}, &ProtocolError{Raw: data, Cause: errMissingAction}
	}
	return env, nil
}

// Encode serialises a frame.
func Encode(env Envelope) ([]byte, error) {
	if env.Action == "" {
		return nil, errMissingAction
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("wire: encode %s: %w", env.Action, err)
	}
	return data, nil
}
