package intercept

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/dgnsrekt/captcha_relay/internal/wire"
)

// Message types carried on the in-page bus.
const (
	TypeHCaptchaExecute  = "HCAPTCHA_EXECUTE"
	TypeHCaptchaToken    = "HCAPTCHA_TOKEN"
	TypeHCaptchaRender   = "HCAPTCHA_RENDER"
	TypeReCaptchaExecute = "RECAPTCHA_EXECUTE"
	TypeReCaptchaToken   = "RECAPTCHA_TOKEN"
	TypeReCaptchaRender  = "RECAPTCHA_RENDER"
	TypeCaptchaCallback  = "CAPTCHA_CALLBACK"
)

// Message is one bus message. ID correlates an execute with its token.
type Message struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Sitekey   string          `json:"sitekey,omitempty"`
	Token     string          `json:"token,omitempty"`
	Container string          `json:"container,omitempty"`
	Options   json.RawMessage `json:"options,omitempty"`
	Config    json.RawMessage `json:"config,omitempty"`
}

// Kind returns the provider a message belongs to. Callback messages are
// provider-neutral and report false.
func (m Message) Kind() (wire.Kind, bool) {
	switch m.Type {
	case TypeHCaptchaExecute, TypeHCaptchaToken, TypeHCaptchaRender:
		return wire.KindHCaptcha, true
	case TypeReCaptchaExecute, TypeReCaptchaToken, TypeReCaptchaRender:
		return wire.KindReCaptcha, true
	}
	return "", false
}

// IsExecute reports whether m asks for a token.
func (m Message) IsExecute() bool {
	return m.Type == TypeHCaptchaExecute || m.Type == TypeReCaptchaExecute
}

// IsToken reports whether m answers an execute.
func (m Message) IsToken() bool {
	return m.Type == TypeHCaptchaToken || m.Type == TypeReCaptchaToken
}

type messageTypes struct {
	execute, token, render string
}

func typesFor(kind wire.Kind) messageTypes {
	if kind == wire.KindReCaptcha {
		return messageTypes{TypeReCaptchaExecute, TypeReCaptchaToken, TypeReCaptchaRender}
	}
	return messageTypes{TypeHCaptchaExecute, TypeHCaptchaToken, TypeHCaptchaRender}
}

// TokenMessage builds the reply to an intercepted execute.
func TokenMessage(kind wire.Kind, id, token string) Message {
	return Message{Type: typesFor(kind).token, ID: id, Token: token}
}

// Bus is the page-scoped message bus shared by the interception layer and
// the page agent.
type Bus interface {
	Post(msg Message)
	// Subscribe registers fn for every subsequent message. The returned
	// function removes it and is safe to call more than once.
	Subscribe(fn func(Message)) (unsubscribe func())
}

// LocalBus is an in-process Bus. Handlers run synchronously on the posting
// goroutine in subscription order and must not block.
type LocalBus struct {
	mu     sync.Mutex
	subs   map[uint64]func(Message)
	nextID uint64
}

func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[uint64]func(Message))}
}

func (b *LocalBus) Post(msg Message) {
	b.mu.Lock()
	ids := make([]uint64, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]func(Message), 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, b.subs[id])
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(msg)
	}
}

func (b *LocalBus) Subscribe(fn func(Message)) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Subscribers returns the number of live subscriptions.
func (b *LocalBus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
