// Package intercept captures calls into a page's captcha client API and
// routes them through the relay pipeline.
//
// Interceptor is the reference implementation of the contract and is what the
// tests exercise: execute posts a *_EXECUTE message, resolves with the
// correlated *_TOKEN, and resolves to "" once the timeout passes. A real
// browser cannot call into Go, so the browser host injects the page script
// returned by Script, which mirrors Interceptor in JavaScript. The browser
// host never constructs an Interceptor.
package intercept

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dgnsrekt/captcha_relay/internal/wire"
)

// DefaultExecuteTimeout bounds how long an intercepted execute waits for its
// token before resolving to an empty string.
const DefaultExecuteTimeout = 30 * time.Second

// CaptchaAPI is the subset of a provider's client API the interceptor wraps.
type CaptchaAPI interface {
	Execute(ctx context.Context, sitekey string, opts json.RawMessage) (string, error)
	Render(container string, config json.RawMessage) (string, error)
}

// Interceptor is a CaptchaAPI decorator. Execute never reaches the wrapped
// API; the token comes back over the bus instead.
type Interceptor struct {
	api     CaptchaAPI
	bus     Bus
	kind    wire.Kind
	types   messageTypes
	timeout time.Duration
}

// Wrap decorates api for the given provider. api may be nil when the page
// has not loaded the provider library yet. A timeout <= 0 selects
// DefaultExecuteTimeout.
func Wrap(api CaptchaAPI, bus Bus, kind wire.Kind, timeout time.Duration) *Interceptor {
	if timeout <= 0 {
		timeout = DefaultExecuteTimeout
	}
	return &Interceptor{api: api, bus: bus, kind: kind, types: typesFor(kind), timeout: timeout}
}

// Execute posts an execute message and waits for the matching token. It
// resolves to "" with a nil error when no token arrives in time.
func (i *Interceptor) Execute(ctx context.Context, sitekey string, opts json.RawMessage) (string, error) {
	id := uuid.NewString()
	tokens := make(chan string, 1)

	unsubscribe := i.bus.Subscribe(func(m Message) {
		if m.Type != i.types.token || (m.ID != "" && m.ID != id) {
			return
		}
		select {
		case tokens <- m.Token:
		default:
		}
	})
	var once sync.Once
	remove := func() { once.Do(unsubscribe) }
	defer remove()

	slog.Debug("intercept execute", "kind", i.kind, "sitekey", sitekey, "id", id)
	i.bus.Post(Message{Type: i.types.execute, ID: id, Sitekey: sitekey, Options: opts})

	timer := time.NewTimer(i.timeout)
	defer timer.Stop()

	select {
	case tok := <-tokens:
		remove()
		return tok, nil
	case <-timer.C:
		remove()
		slog.Warn("intercept execute timed out", "kind", i.kind, "sitekey", sitekey, "after", i.timeout)
		return "", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Render announces the widget and forwards to the wrapped API.
func (i *Interceptor) Render(container string, config json.RawMessage) (string, error) {
	slog.Debug("intercept render", "kind", i.kind, "container", container)
	i.bus.Post(Message{Type: i.types.render, Container: container, Config: config})
	if i.api == nil {
		return "", nil
	}
	return i.api.Render(container, config)
}

// WrapCallback decorates a callback being registered under prop. Only the
// callback and data-callback properties are wrapped; anything else is
// returned unchanged.
func WrapCallback(bus Bus, prop string, fn func(token string)) func(token string) {
	if prop != "callback" && prop != "data-callback" {
		return fn
	}
	return func(token string) {
		bus.Post(Message{Type: TypeCaptchaCallback, Token: token})
		if fn != nil {
			fn(token)
		}
	}
}
