package intercept

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// BindingName is the page global the script reports through.
	BindingName = "__captchaRelay"
	// DeliverFunc is the page global Go calls to hand a token to the script.
	DeliverFunc = "__captchaRelayDeliver"
)

// Binding payload kinds.
const (
	PayloadBus      = "bus"
	PayloadMutation = "mutation"
	PayloadFocus    = "focus"
)

//go:embed intercept.js
var scriptSource string

// Script returns the page script that wraps hcaptcha and grecaptcha, hooks
// callback registration and reports DOM mutations and focus changes.
func Script(timeout time.Duration) string {
	if timeout <= 0 {
		timeout = DefaultExecuteTimeout
	}
	return strings.NewReplacer(
		"__BINDING__", BindingName,
		"__DELIVER__", DeliverFunc,
		"__TIMEOUT_MS__", strconv.FormatInt(timeout.Milliseconds(), 10),
	).Replace(scriptSource)
}

// Payload is one call of the binding from the page script.
type Payload struct {
	Kind    string   `json:"kind"`
	Message *Message `json:"message,omitempty"`
}

// ParsePayload decodes a binding payload.
func ParsePayload(raw string) (Payload, error) {
	var p Payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Payload{}, fmt.Errorf("intercept payload: %w", err)
	}
	switch p.Kind {
	case PayloadBus:
		if p.Message == nil || p.Message.Type == "" {
			return Payload{}, fmt.Errorf("intercept payload: bus message without type")
		}
	case PayloadMutation, PayloadFocus:
	default:
		return Payload{}, fmt.Errorf("intercept payload: unknown kind %q", p.Kind)
	}
	return p, nil
}

// DeliverExpression returns the JavaScript that hands msg to the page script.
func DeliverExpression(msg Message) (string, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("intercept deliver: %w", err)
	}
	return fmt.Sprintf("typeof window.%s === 'function' && window.%s(%s)", DeliverFunc, DeliverFunc, data), nil
}
