package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dgnsrekt/captcha_relay/internal/detect"
	"github.com/dgnsrekt/captcha_relay/internal/intercept"
	"github.com/dgnsrekt/captcha_relay/internal/relay"
	"github.com/dgnsrekt/captcha_relay/internal/wire"
)

const (
	DefaultSettleDelay    = time.Second
	DefaultNoticeDuration = 3 * time.Second
	DefaultRequestTimeout = 5 * time.Minute
	defaultPageTimeout    = 10 * time.Second
	inboxSize             = 64
)

var (
	ErrClosed = errors.New("agent: closed")
	ErrBusy   = errors.New("agent: inbox full")
)

type Options struct {
	TabID     string
	Page      Page
	Requester Requester
	Rules     *detect.Rules
	// Bus is the tab's interception bus. Nil disables execute handling.
	Bus   intercept.Bus
	Proxy string

	SettleDelay    time.Duration
	NoticeDuration time.Duration
	PageTimeout    time.Duration
	// RequestTimeout bounds how long an accepted request blocks new requests
	// for the same captcha type while no result arrives.
	RequestTimeout time.Duration
}

type pendingSolve struct {
	sitekey string
	sent    time.Time
}

// PageAgent drives one tab. Work is serialised through an inbox processed by
// a single goroutine, so page operations never run concurrently and frames
// are handled in delivery order.
type PageAgent struct {
	opts     Options
	selector string

	inbox   chan func(context.Context)
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started atomic.Bool
	enabled atomic.Bool
	unsub   func()

	// owned by the run goroutine
	settle    map[wire.Kind]*time.Timer
	awaiting  map[wire.Kind]pendingSolve
	solved    map[wire.Kind]string
	executes  map[wire.Kind][]string
	mousePath []wire.Point
}

func New(opts Options) *PageAgent {
	if opts.Rules == nil {
		opts.Rules = detect.DefaultRules()
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	if opts.NoticeDuration <= 0 {
		opts.NoticeDuration = DefaultNoticeDuration
	}
	if opts.PageTimeout <= 0 {
		opts.PageTimeout = defaultPageTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &PageAgent{
		opts:     opts,
		selector: opts.Rules.SnapshotSelector(),
		inbox:    make(chan func(context.Context), inboxSize),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		settle:   make(map[wire.Kind]*time.Timer),
		awaiting: make(map[wire.Kind]pendingSolve),
		solved:   make(map[wire.Kind]string),
		executes: make(map[wire.Kind][]string),
	}
	a.enabled.Store(true)
	return a
}

// Start begins processing. It is a no-op after the first call.
func (a *PageAgent) Start() {
	if !a.started.CompareAndSwap(false, true) {
		return
	}
	if a.opts.Bus != nil {
		a.unsub = a.opts.Bus.Subscribe(func(m intercept.Message) {
			if m.IsToken() {
				return
			}
			if err := a.post(func(ctx context.Context) { a.onBusMessage(ctx, m) }); err != nil {
				slog.Warn("agent bus message dropped", "tab_id", a.opts.TabID, "type", m.Type, "error", err)
			}
		})
	}
	go a.run()
}

// Close stops the agent and waits for in-progress work to finish.
func (a *PageAgent) Close() {
	a.cancel()
	if a.unsub != nil {
		a.unsub()
	}
	if a.started.Load() {
		<-a.done
	}
}

func (a *PageAgent) TabID() string { return a.opts.TabID }

func (a *PageAgent) Enabled() bool { return a.enabled.Load() }

func (a *PageAgent) run() {
	defer close(a.done)
	defer a.stopSettleTimers()
	for {
		select {
		case <-a.ctx.Done():
			return
		case fn := <-a.inbox:
			fn(a.ctx)
		}
	}
}

func (a *PageAgent) post(fn func(context.Context)) error {
	if a.ctx.Err() != nil {
		return ErrClosed
	}
	select {
	case a.inbox <- fn:
		return nil
	case <-a.ctx.Done():
		return ErrClosed
	default:
		return ErrBusy
	}
}

// postWait blocks until fn is queued or the agent stops.
func (a *PageAgent) postWait(fn func(context.Context)) {
	select {
	case a.inbox <- fn:
	case <-a.ctx.Done():
	}
}

// Deliver hands a routed frame to the agent. It never blocks.
func (a *PageAgent) Deliver(_ context.Context, env wire.Envelope) error {
	return a.post(func(ctx context.Context) { a.handleEnvelope(ctx, env) })
}

// OnMutation runs a detection pass after the page changed.
func (a *PageAgent) OnMutation() {
	if err := a.post(a.detectPass); err != nil {
		slog.Debug("agent mutation dropped", "tab_id", a.opts.TabID, "error", err)
	}
}

// SolveNow detects and solves immediately, ignoring the settle delay and the
// enabled flag.
func (a *PageAgent) SolveNow() error {
	return a.post(a.solveNow)
}

// OnNavigate forgets per-document state after the tab loaded a new document.
func (a *PageAgent) OnNavigate(url string) {
	err := a.post(func(context.Context) {
		a.stopSettleTimers()
		clear(a.solved)
		clear(a.awaiting)
		clear(a.executes)
		a.mousePath = nil
		slog.Debug("agent document changed", "tab_id", a.opts.TabID, "url", url)
	})
	if err != nil {
		slog.Debug("agent navigation dropped", "tab_id", a.opts.TabID, "error", err)
	}
}

func (a *PageAgent) handleEnvelope(ctx context.Context, env wire.Envelope) {
	switch env.Action {
	case wire.ActionCaptchaResult:
		a.onResult(ctx, env)
	case wire.ActionMousePath:
		a.mousePath = env.Path
		slog.Debug("agent mouse path received", "tab_id", a.opts.TabID, "points", len(env.Path))
		if len(env.Path) == 0 {
			return
		}
		pctx, cancel := a.pageCtx(ctx)
		defer cancel()
		if err := a.opts.Page.MoveMouse(pctx, env.Path); err != nil {
			slog.Warn("agent mouse replay failed", "tab_id", a.opts.TabID, "error", err)
		}
	case wire.ActionClientConnected:
		slog.Info("agent solver connected", "tab_id", a.opts.TabID)
	case wire.ActionSolveNow:
		a.solveNow(ctx)
	case wire.ActionToggleEnabled:
		enabled := !a.enabled.Load()
		if env.Enabled != nil {
			enabled = *env.Enabled
		}
		a.enabled.Store(enabled)
		if !enabled {
			a.stopSettleTimers()
		}
		slog.Info("agent auto-solve toggled", "tab_id", a.opts.TabID, "enabled", enabled)
	default:
		slog.Debug("agent ignoring frame", "tab_id", a.opts.TabID, "action", env.Action)
	}
}

// detectPass schedules one solve per challenge type found on the page.
func (a *PageAgent) detectPass(ctx context.Context) {
	if !a.enabled.Load() {
		return
	}
	doc, err := a.snapshot(ctx)
	if err != nil {
		slog.Debug("agent snapshot failed", "tab_id", a.opts.TabID, "error", err)
		return
	}
	for _, kind := range a.opts.Rules.Detect(doc) {
		if _, pending := a.settle[kind]; pending {
			continue
		}
		if a.waiting(kind) {
			continue
		}
		slog.Info("agent captcha detected", "tab_id", a.opts.TabID, "kind", kind)
		var t *time.Timer
		t = time.AfterFunc(a.opts.SettleDelay, func() {
			a.postWait(func(ctx context.Context) {
				// A stopped timer may still fire after a newer one took its slot.
				if a.settle[kind] != t {
					return
				}
				delete(a.settle, kind)
				a.solve(ctx, kind)
			})
		})
		a.settle[kind] = t
	}
}

// waiting reports whether a request for kind is still awaiting its result.
// Requests older than RequestTimeout are forgotten.
func (a *PageAgent) waiting(kind wire.Kind) bool {
	p, ok := a.awaiting[kind]
	if !ok {
		return false
	}
	if time.Since(p.sent) < a.opts.RequestTimeout {
		return true
	}
	delete(a.awaiting, kind)
	slog.Warn("agent solve request expired", "tab_id", a.opts.TabID, "kind", kind, "age", time.Since(p.sent).Round(time.Second))
	return false
}

func (a *PageAgent) stopSettleTimers() {
	for kind, t := range a.settle {
		t.Stop()
		delete(a.settle, kind)
	}
}

func (a *PageAgent) solve(ctx context.Context, kind wire.Kind) {
	if !a.enabled.Load() {
		return
	}
	doc, err := a.snapshot(ctx)
	if err != nil {
		slog.Warn("agent snapshot failed", "tab_id", a.opts.TabID, "error", err)
		return
	}
	a.solveDoc(ctx, doc, kind, false)
}

func (a *PageAgent) solveNow(ctx context.Context) {
	doc, err := a.snapshot(ctx)
	if err != nil {
		slog.Warn("agent snapshot failed", "tab_id", a.opts.TabID, "error", err)
		return
	}
	kinds := a.opts.Rules.Detect(doc)
	if len(kinds) == 0 {
		slog.Info("agent manual solve: no captcha on page", "tab_id", a.opts.TabID, "url", doc.URL)
		return
	}
	a.solveDoc(ctx, doc, kinds[0], true)
}

func (a *PageAgent) solveDoc(ctx context.Context, doc detect.Document, kind wire.Kind, manual bool) {
	sitekey, err := a.opts.Rules.ExtractSitekey(doc, kind)
	if err != nil {
		slog.Info("agent solve abandoned", "tab_id", a.opts.TabID, "kind", kind, "error", err)
		return
	}
	if !manual && a.solved[kind] == sitekey {
		slog.Debug("agent captcha already solved", "tab_id", a.opts.TabID, "kind", kind)
		return
	}
	a.request(ctx, kind, sitekey, doc.URL)
}

func (a *PageAgent) request(ctx context.Context, kind wire.Kind, sitekey, url string) bool {
	req := relay.Request{Action: kind.Action(), Sitekey: sitekey, URL: url}
	if kind == wire.KindHCaptcha {
		req.Proxy = a.opts.Proxy
	}
	reply, err := a.opts.Requester.Handle(ctx, a.opts.TabID, req)
	if err != nil {
		slog.Warn("agent solve request failed", "tab_id", a.opts.TabID, "kind", kind, "error", err)
		return false
	}
	if !reply.Success {
		slog.Warn("agent solve request rejected", "tab_id", a.opts.TabID, "kind", kind, "error", reply.Error)
		return false
	}
	a.awaiting[kind] = pendingSolve{sitekey: sitekey, sent: time.Now()}
	slog.Info("agent solve requested",
		"tab_id", a.opts.TabID, "kind", kind, "request_id", reply.RequestID, "connected", reply.Connected)
	a.notice(ctx, fmt.Sprintf("Solving %s...", label(kind)), LevelInfo)
	return true
}

func (a *PageAgent) onResult(ctx context.Context, env wire.Envelope) {
	kind := wire.Kind(env.Type)
	if _, ok := a.opts.Rules.Rule(kind); !ok {
		slog.Warn("agent result for unknown captcha type", "tab_id", a.opts.TabID, "type", env.Type)
		return
	}
	sitekey := a.awaiting[kind].sitekey
	delete(a.awaiting, kind)

	if !env.Succeeded() || env.Token == "" {
		reason := env.Error
		if reason == "" {
			reason = "no token returned"
		}
		slog.Warn("agent solve failed", "tab_id", a.opts.TabID, "kind", kind, "error", reason)
		a.notice(ctx, "Captcha solve failed: "+reason, LevelError)
		return
	}

	a.inject(ctx, kind, env.Token)
	if sitekey != "" {
		a.solved[kind] = sitekey
	}
}

// inject writes token into every response field, fires each configured
// event once per field, then runs the page callback and answers intercepted
// executes.
func (a *PageAgent) inject(ctx context.Context, kind wire.Kind, token string) {
	rule, _ := a.opts.Rules.Rule(kind)
	pctx, cancel := a.pageCtx(ctx)
	defer cancel()

	fields, err := a.opts.Page.Fields(pctx, rule.ResponseFields)
	if err != nil {
		slog.Warn("agent response fields lookup failed", "tab_id", a.opts.TabID, "kind", kind, "error", err)
	}
	injected := 0
	for _, f := range fields {
		if err := a.opts.Page.SetValue(pctx, f, token); err != nil {
			slog.Warn("agent set field failed", "tab_id", a.opts.TabID, "field", f.Name, "error", err)
			continue
		}
		injected++
		for _, ev := range rule.Events {
			if err := a.opts.Page.Dispatch(pctx, f, ev); err != nil {
				slog.Debug("agent dispatch failed", "tab_id", a.opts.TabID, "field", f.Name, "event", ev, "error", err)
			}
		}
	}

	called := false
	if rule.CallbackGlobal != "" {
		called, err = a.opts.Page.InvokeCallback(pctx, rule.CallbackGlobal, token)
		if err != nil {
			slog.Warn("agent callback failed", "tab_id", a.opts.TabID, "global", rule.CallbackGlobal, "error", err)
		}
	}
	answered := a.answerExecutes(kind, token)

	slog.Info("agent token injected",
		"tab_id", a.opts.TabID, "kind", kind, "fields", injected, "callback", called, "executes", answered)
	a.notice(ctx, label(kind)+" solved", LevelSuccess)
}

func (a *PageAgent) answerExecutes(kind wire.Kind, token string) int {
	ids := a.executes[kind]
	delete(a.executes, kind)
	if a.opts.Bus == nil {
		return 0
	}
	for _, id := range ids {
		a.opts.Bus.Post(intercept.TokenMessage(kind, id, token))
	}
	return len(ids)
}

func (a *PageAgent) onBusMessage(ctx context.Context, m intercept.Message) {
	switch {
	case m.IsExecute():
		kind, _ := m.Kind()
		a.executes[kind] = append(a.executes[kind], m.ID)
		if !a.enabled.Load() {
			slog.Info("agent intercepted execute while disabled", "tab_id", a.opts.TabID, "kind", kind)
			return
		}
		if a.waiting(kind) {
			return
		}
		doc, err := a.snapshot(ctx)
		if err != nil {
			slog.Warn("agent snapshot failed", "tab_id", a.opts.TabID, "error", err)
			return
		}
		sitekey := m.Sitekey
		if sitekey == "" {
			if sitekey, err = a.opts.Rules.ExtractSitekey(doc, kind); err != nil {
				slog.Info("agent execute without sitekey abandoned", "tab_id", a.opts.TabID, "kind", kind)
				return
			}
		}
		a.request(ctx, kind, sitekey, doc.URL)

	case m.Type == intercept.TypeHCaptchaRender || m.Type == intercept.TypeReCaptchaRender:
		slog.Debug("agent widget rendered", "tab_id", a.opts.TabID, "type", m.Type, "container", m.Container)
		a.detectPass(ctx)

	case m.Type == intercept.TypeCaptchaCallback:
		slog.Debug("agent page callback fired", "tab_id", a.opts.TabID, "token_len", len(m.Token))
	}
}

func (a *PageAgent) snapshot(ctx context.Context) (detect.Document, error) {
	pctx, cancel := a.pageCtx(ctx)
	defer cancel()
	return a.opts.Page.Snapshot(pctx, a.selector)
}

func (a *PageAgent) notice(ctx context.Context, msg string, level Level) {
	pctx, cancel := a.pageCtx(ctx)
	defer cancel()
	if err := a.opts.Page.Notify(pctx, msg, level, a.opts.NoticeDuration); err != nil {
		slog.Debug("agent notice failed", "tab_id", a.opts.TabID, "error", err)
	}
}

func (a *PageAgent) pageCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.opts.PageTimeout)
}

func label(kind wire.Kind) string {
	switch kind {
	case wire.KindHCaptcha:
		return "hCaptcha"
	case wire.KindReCaptcha:
		return "reCaptcha"
	}
	return string(kind)
}
