package intercept

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dgnsrekt/captcha_relay/internal/wire"
)

type fakeAPI struct {
	renders  []string
	executes int
}

func (f *fakeAPI) Execute(context.Context, string, json.RawMessage) (string, error) {
	f.executes++
	return "from-original", nil
}

func (f *fakeAPI) Render(container string, _ json.RawMessage) (string, error) {
	f.renders = append(f.renders, container)
	return "widget-1", nil
}

func TestExecuteResolvesWithToken(t *testing.T) {
	defer goleak.VerifyNone(t)
	bus := NewLocalBus()
	api := &fakeAPI{}
	bus.Subscribe(func(m Message) {
		if m.Type == TypeHCaptchaExecute {
			go bus.Post(TokenMessage(wire.KindHCaptcha, m.ID, "P1_token"))
		}
	})

	ic := Wrap(api, bus, wire.KindHCaptcha, time.Second)
	tok, err := ic.Execute(context.Background(), "site", nil)
	require.NoError(t, err)
	assert.Equal(t, "P1_token", tok)
	assert.Zero(t, api.executes)
	assert.Equal(t, 1, bus.Subscribers())
}

func TestExecuteIgnoresOtherProvidersAndIDs(t *testing.T) {
	defer goleak.VerifyNone(t)
	bus := NewLocalBus()
	var execID string
	bus.Subscribe(func(m Message) {
		if m.Type != TypeReCaptchaExecute {
			return
		}
		execID = m.ID
		go func() {
			bus.Post(TokenMessage(wire.KindHCaptcha, m.ID, "wrong-provider"))
			bus.Post(TokenMessage(wire.KindReCaptcha, "someone-else", "wrong-id"))
			bus.Post(TokenMessage(wire.KindReCaptcha, m.ID, "right"))
		}()
	})

	tok, err := Wrap(nil, bus, wire.KindReCaptcha, time.Second).Execute(context.Background(), "k", nil)
	require.NoError(t, err)
	assert.Equal(t, "right", tok)
	assert.NotEmpty(t, execID)
}

func TestExecuteTimesOutToEmpty(t *testing.T) {
	defer goleak.VerifyNone(t)
	bus := NewLocalBus()
	var posted []Message
	bus.Subscribe(func(m Message) { posted = append(posted, m) })

	start := time.Now()
	tok, err := Wrap(nil, bus, wire.KindHCaptcha, 30*time.Millisecond).Execute(context.Background(), "site", json.RawMessage(`{"async":true}`))
	require.NoError(t, err)
	assert.Empty(t, tok)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	require.Len(t, posted, 1)
	assert.Equal(t, TypeHCaptchaExecute, posted[0].Type)
	assert.Equal(t, "site", posted[0].Sitekey)
	assert.JSONEq(t, `{"async":true}`, string(posted[0].Options))
	// Only the recording subscriber is left; the execute listener is gone.
	assert.Equal(t, 1, bus.Subscribers())
}

func TestExecuteHonoursContext(t *testing.T) {
	defer goleak.VerifyNone(t)
	bus := NewLocalBus()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Wrap(nil, bus, wire.KindHCaptcha, time.Minute).Execute(ctx, "site", nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, bus.Subscribers())
}

func TestRenderPostsAndForwards(t *testing.T) {
	bus := NewLocalBus()
	var got []Message
	bus.Subscribe(func(m Message) { got = append(got, m) })
	api := &fakeAPI{}

	id, err := Wrap(api, bus, wire.KindReCaptcha, 0).Render("captcha-box", json.RawMessage(`{"sitekey":"k"}`))
	require.NoError(t, err)
	assert.Equal(t, "widget-1", id)
	assert.Equal(t, []string{"captcha-box"}, api.renders)
	require.Len(t, got, 1)
	assert.Equal(t, TypeReCaptchaRender, got[0].Type)

	id, err = Wrap(nil, bus, wire.KindReCaptcha, 0).Render("other", nil)
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Len(t, got, 2)
}

func TestWrapCallback(t *testing.T) {
	bus := NewLocalBus()
	var msgs []Message
	bus.Subscribe(func(m Message) { msgs = append(msgs, m) })

	var called []string
	orig := func(tok string) { called = append(called, tok) }

	WrapCallback(bus, "callback", orig)("tok-1")
	WrapCallback(bus, "data-callback", nil)("tok-2")
	WrapCallback(bus, "onload", orig)("tok-3")

	assert.Equal(t, []string{"tok-1", "tok-3"}, called)
	require.Len(t, msgs, 2)
	assert.Equal(t, Message{Type: TypeCaptchaCallback, Token: "tok-1"}, msgs[0])
	assert.Equal(t, "tok-2", msgs[1].Token)
}

func TestLocalBusUnsubscribeIsIdempotent(t *testing.T) {
	bus := NewLocalBus()
	n := 0
	unsub := bus.Subscribe(func(Message) { n++ })
	bus.Post(Message{Type: TypeCaptchaCallback})
	unsub()
	unsub()
	bus.Post(Message{Type: TypeCaptchaCallback})
	assert.Equal(t, 1, n)
	assert.Zero(t, bus.Subscribers())
}

func TestMessageKind(t *testing.T) {
	k, ok := Message{Type: TypeReCaptchaToken}.Kind()
	assert.True(t, ok)
	assert.Equal(t, wire.KindReCaptcha, k)
	_, ok = Message{Type: TypeCaptchaCallback}.Kind()
	assert.False(t, ok)
	assert.True(t, Message{Type: TypeHCaptchaExecute}.IsExecute())
	assert.True(t, Message{Type: TypeHCaptchaToken}.IsToken())
}

func TestScript(t *testing.T) {
	s := Script(1500 * time.Millisecond)
	assert.Contains(t, s, `const BINDING = "`+BindingName+`"`)
	assert.Contains(t, s, "const TIMEOUT_MS = 1500;")
	assert.Contains(t, s, "window."+DeliverFunc+" = ")
	assert.False(t, strings.Contains(s, "__TIMEOUT_MS__"))

	assert.Contains(t, Script(0), "const TIMEOUT_MS = 30000;")
}

// The page script mirrors Interceptor's timeout: the waiter resolves to ""
// and removes itself, and a token clears the timer.
func TestScriptExecuteTimeoutMirrorsInterceptor(t *testing.T) {
	s := Script(DefaultExecuteTimeout)
	assert.Contains(t, s, `setTimeout(() => finish(""), TIMEOUT_MS)`)
	assert.Contains(t, s, "waiting.delete(id);")
	assert.Contains(t, s, "clearTimeout(timer);")
	assert.Contains(t, s, `"_EXECUTE"`)
	assert.Contains(t, s, `"_TOKEN"`)
}

func TestParsePayload(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Payload
		wantErr bool
	}{
		{"mutation", `{"kind":"mutation"}`, Payload{Kind: PayloadMutation}, false},
		{"focus", `{"kind":"focus"}`, Payload{Kind: PayloadFocus}, false},
		{
			"bus",
			`{"kind":"bus","message":{"type":"HCAPTCHA_EXECUTE","id":"e1","sitekey":"k"}}`,
			Payload{Kind: PayloadBus, Message: &Message{Type: TypeHCaptchaExecute, ID: "e1", Sitekey: "k"}},
			false,
		},
		{"bus without message", `{"kind":"bus"}`, Payload{}, true},
		{"unknown kind", `{"kind":"other"}`, Payload{}, true},
		{"not json", `nope`, Payload{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePayload(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDeliverExpression(t *testing.T) {
	expr, err := DeliverExpression(TokenMessage(wire.KindHCaptcha, "e1", "tok"))
	require.NoError(t, err)
	assert.Equal(t,
		`typeof window.__captchaRelayDeliver === 'function' && window.__captchaRelayDeliver({"type":"HCAPTCHA_TOKEN","id":"e1","token":"tok"})`,
		expr)
}
