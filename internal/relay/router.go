// Package relay is the privileged hub between page agents and the solver. A
// single Router goroutine owns the connection state and the pending queue;
// everything else talks to it through commands.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/dgnsrekt/captcha_relay/internal/queue"
	"github.com/dgnsrekt/captcha_relay/internal/storage"
	"github.com/dgnsrekt/captcha_relay/internal/transport"
	"github.com/dgnsrekt/captcha_relay/internal/wire"
)

const (
	defaultInFlightTTL   = 5 * time.Minute
	defaultPruneInterval = 30 * time.Second
	notifyTimeout        = 10 * time.Second
	commandBuffer        = 64
)

// Transport is the solver link as seen by the router.
type Transport interface {
	Connect()
	Send(env wire.Envelope) error
	State() transport.State
	Events() <-chan transport.Event
	Close() error
}

// Journal records routed results.
type Journal interface {
	Write(record any) error
}

// Notifier delivers operator alerts.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// Request is what a page agent asks of the router.
type Request struct {
	Action  string      `json:"action"`
	Sitekey string      `json:"sitekey,omitempty"`
	URL     string      `json:"url,omitempty"`
	Proxy   string      `json:"proxy,omitempty"`
	Start   *wire.Point `json:"start,omitempty"`
	End     *wire.Point `json:"end,omitempty"`
	Steps   int         `json:"steps,omitempty"`
}

// Reply answers a Request. Solve requests are fire-and-forget: Success means
// the request was sent or queued, not that it was solved.
type Reply struct {
	Success   bool   `json:"success"`
	Connected bool   `json:"connected"`
	RequestID string `json:"request_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

type Stats struct {
	Requested   int `json:"requested"`
	Solved      int `json:"solved"`
	Failed      int `json:"failed"`
	Dropped     int `json:"dropped"`
	Unrouted    int `json:"unrouted"`
	SuccessRate int `json:"success_rate"`
}

type Status struct {
	State         string     `json:"state"`
	Connected     bool       `json:"connected"`
	Enabled       bool       `json:"enabled"`
	QueueLength   int        `json:"queue_length"`
	QueueCapacity int        `json:"queue_capacity"`
	InFlight      int        `json:"in_flight"`
	ActiveTab     string     `json:"active_tab,omitempty"`
	Tabs          []TabInfo  `json:"tabs"`
	DownSince     *time.Time `json:"down_since,omitempty"`
}

// Options configures a Router. Zero values select defaults.
type Options struct {
	QueueCapacity  int
	OverflowPolicy queue.OverflowPolicy
	InFlightTTL    time.Duration
	PruneInterval  time.Duration
	// DowntimeAlert notifies once when the link stays down this long. Zero
	// disables the alert.
	DowntimeAlert   time.Duration
	NotifyOnFailure bool

	Journal  Journal
	Notifier Notifier
	Broker   *Broker
}

type inflight struct {
	tabID     string
	kind      wire.Kind
	createdAt time.Time
}

// Router routes requests to the solver and results back to page contexts.
type Router struct {
	transport Transport
	opts      Options
	tabs      *TabRegistry

	cmds    chan func(context.Context)
	done    chan struct{}
	runOnce sync.Once
	notifyW sync.WaitGroup

	// owned by the Run goroutine
	queue       *queue.Queue[wire.Envelope]
	inflight    map[string]inflight
	stats       Stats
	enabled     bool
	downSince   time.Time
	downAlerted bool
}

func NewRouter(t Transport, opts Options) *Router {
	if opts.InFlightTTL <= 0 {
		opts.InFlightTTL = defaultInFlightTTL
	}
	if opts.PruneInterval <= 0 {
		opts.PruneInterval = defaultPruneInterval
	}
	return &Router{
		transport: t,
		opts:      opts,
		tabs:      NewTabRegistry(),
		cmds:      make(chan func(context.Context), commandBuffer),
		done:      make(chan struct{}),
		queue:     queue.New[wire.Envelope](opts.QueueCapacity, opts.OverflowPolicy),
		inflight:  make(map[string]inflight),
		enabled:   true,
	}
}

// Tabs exposes the registry for read-only inspection.
func (r *Router) Tabs() *TabRegistry {
	return r.tabs
}

// Run starts the link and processes commands and transport events until ctx
// is cancelled. It closes the transport on return.
func (r *Router) Run(ctx context.Context) error {
	started := false
	r.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("relay: router already running")
	}
	defer close(r.done)

	prune := time.NewTicker(r.opts.PruneInterval)
	defer prune.Stop()

	r.downSince = time.Now()
	r.transport.Connect()
	slog.Info("relay router started",
		"queue_capacity", r.queue.Capacity(),
		"overflow", r.opts.OverflowPolicy.String())

	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return nil
		case fn := <-r.cmds:
			fn(ctx)
		case ev := <-r.transport.Events():
			r.handleEvent(ctx, ev)
		case now := <-prune.C:
			r.pruneInFlight(now)
			r.checkDowntime(now)
		}
	}
}

func (r *Router) shutdown() {
	if err := r.transport.Close(); err != nil {
		slog.Debug("relay transport close", "error", err)
	}
	if discarded := r.queue.Clear(); len(discarded) > 0 {
		slog.Warn("relay discarded pending requests on shutdown", "count", len(discarded))
	}
	r.notifyW.Wait()
	slog.Info("relay router stopped")
}

// do runs fn on the router goroutine and waits for it to finish.
func (r *Router) do(ctx context.Context, fn func(context.Context)) error {
	finished := make(chan struct{})
	cmd := func(runCtx context.Context) {
		defer close(finished)
		fn(runCtx)
	}
	select {
	case r.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return errStopped
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return errStopped
	}
}

// Handle answers one page-agent request on behalf of tabID.
func (r *Router) Handle(ctx context.Context, tabID string, req Request) (Reply, error) {
	var reply Reply
	err := r.do(ctx, func(context.Context) {
		reply = r.handle(tabID, req)
	})
	return reply, err
}

func (r *Router) handle(tabID string, req Request) Reply {
	connected := r.transport.State() == transport.Connected
	switch req.Action {
	case wire.ActionIsConnected:
		return Reply{Success: true, Connected: connected}

	case wire.ActionPing:
		if !connected {
			return Reply{Success: false, Error: "not connected"}
		}
		if err := r.transport.Send(wire.Envelope{Action: wire.ActionPing}); err != nil {
			return Reply{Success: false, Error: err.Error()}
		}
		return Reply{Success: true, Connected: true}

	case wire.ActionSolveHCaptcha, wire.ActionSolveReCaptcha, wire.ActionGetMousePath:
		kind, _ := wire.KindForAction(req.Action)
		if kind == wire.KindMousePath {
			if req.Start == nil || req.End == nil {
				return Reply{Success: false, Error: "start and end are required"}
			}
		} else if req.Sitekey == "" {
			slog.Info("relay rejected solve request without sitekey", "tab_id", tabID, "kind", kind)
			return Reply{Success: false, Error: "sitekey is required"}
		}

		sr := wire.NewSolveRequest(kind, tabID)
		sr.Sitekey = req.Sitekey
		sr.PageURL = req.URL
		sr.Proxy = req.Proxy
		sr.Start = req.Start
		sr.End = req.End
		sr.Steps = req.Steps

		r.inflight[sr.RequestID] = inflight{tabID: tabID, kind: kind, createdAt: sr.CreatedAt}
		r.tabs.AddAwaiting(tabID, 1)
		if err := r.dispatch(sr.Envelope()); err != nil {
			r.forget(sr.RequestID)
			return Reply{Success: false, Connected: connected, Error: err.Error()}
		}
		r.stats.Requested++
		slog.Info("relay solve request accepted",
			"request_id", sr.RequestID, "kind", kind, "tab_id", tabID, "connected", connected)
		return Reply{Success: true, Connected: connected, RequestID: sr.RequestID}
	}

	slog.Warn("relay unknown request action", "action", req.Action, "tab_id", tabID)
	return Reply{Success: false, Connected: connected, Error: "unknown action"}
}

// dispatch sends env directly when the link is up and nothing is waiting
// ahead of it, otherwise queues it behind the backlog.
func (r *Router) dispatch(env wire.Envelope) error {
	if r.queue.Len() == 0 && r.transport.State() == transport.Connected {
		err := r.transport.Send(env)
		if err == nil {
			return nil
		}
		slog.Warn("relay send failed, queueing", "action", env.Action, "request_id", env.RequestID, "error", err)
	}

	evicted, dropped, err := r.queue.Enqueue(env)
	if err != nil {
		r.stats.Dropped++
		slog.Warn("relay queue full, request rejected", "action", env.Action, "request_id", env.RequestID)
		return fmt.Errorf("relay: %w", err)
	}
	if dropped {
		r.stats.Dropped++
		r.forget(evicted.RequestID)
		slog.Warn("relay queue full, dropped oldest request",
			"action", evicted.Action, "request_id", evicted.RequestID)
	}
	slog.Debug("relay request queued", "action", env.Action, "request_id", env.RequestID, "queue_length", r.queue.Len())
	r.publish(TopicQueue, map[string]int{"length": r.queue.Len()})
	return nil
}

func (r *Router) forget(requestID string) {
	fl, ok := r.inflight[requestID]
	if !ok {
		return
	}
	delete(r.inflight, requestID)
	r.tabs.AddAwaiting(fl.tabID, -1)
}

func (r *Router) handleEvent(ctx context.Context, ev transport.Event) {
	switch ev.Kind {
	case transport.EventConnected:
		r.onConnected(ctx)
	case transport.EventDisconnected:
		// A read loop can report a connection that a newer one has
		// already replaced.
		if r.transport.State() == transport.Connected {
			slog.Debug("relay ignoring stale disconnected event")
			return
		}
		if r.downSince.IsZero() {
			r.downSince = time.Now()
		}
		r.publish(TopicState, r.stateData())
	case transport.EventMessage:
		r.onMessage(ctx, ev.Msg)
	}
}

func (r *Router) onConnected(ctx context.Context) {
	if r.transport.State() != transport.Connected {
		slog.Debug("relay ignoring stale connected event")
		return
	}
	if r.downAlerted {
		r.notify(fmt.Sprintf("captcha relay: solver link restored after %s", time.Since(r.downSince).Round(time.Second)))
	}
	r.downSince = time.Time{}
	r.downAlerted = false
	r.publish(TopicState, r.stateData())

	for _, tab := range r.tabs.List() {
		if tab.sink == nil {
			continue
		}
		if err := tab.sink.Deliver(ctx, wire.Envelope{Action: wire.ActionClientConnected}); err != nil {
			slog.Debug("relay client_connected not delivered", "tab_id", tab.ID, "error", err)
		}
	}

	if r.queue.Len() == 0 {
		return
	}
	n, err := r.queue.Drain(r.transport.Send, func() bool {
		return r.transport.State() == transport.Connected
	})
	if err != nil {
		slog.Warn("relay queue drain interrupted", "sent", n, "remaining", r.queue.Len(), "error", err)
	} else {
		slog.Info("relay queue drained", "sent", n, "remaining", r.queue.Len())
	}
	r.publish(TopicQueue, map[string]int{"length": r.queue.Len()})
}

func (r *Router) onMessage(ctx context.Context, env wire.Envelope) {
	switch env.Action {
	case wire.ActionCaptchaResult, wire.ActionMousePath:
		r.route(ctx, env)
	case wire.ActionPong:
		slog.Debug("relay pong received")
	case wire.ActionError:
		r.forget(env.RequestID)
		slog.Error("solver reported error", "error", env.Error, "request_id", env.RequestID)
	default:
		slog.Warn("relay unknown solver action", "action", env.Action)
	}
}

// route delivers a solver reply to the tab that asked for it, falling back to
// the active tab when the reply cannot be correlated.
func (r *Router) route(ctx context.Context, env wire.Envelope) {
	var tab TabInfo
	var found bool
	if fl, ok := r.inflight[env.RequestID]; ok && env.RequestID != "" {
		r.forget(env.RequestID)
		tab, found = r.tabs.Get(fl.tabID)
		if !found {
			slog.Debug("relay origin tab gone, using active tab", "request_id", env.RequestID, "tab_id", fl.tabID)
		}
	}
	if !found {
		tab, found = r.tabs.Active()
		if found {
			slog.Debug("relay routing reply to active tab", "action", env.Action, "request_id", env.RequestID, "tab_id", tab.ID)
		}
	}

	if env.Action == wire.ActionCaptchaResult {
		r.recordResult(env, tab.ID)
	}

	if !found || tab.sink == nil {
		r.stats.Unrouted++
		slog.Warn("relay no tab for solver reply, dropping", "action", env.Action, "request_id", env.RequestID)
		return
	}
	if err := tab.sink.Deliver(ctx, env); err != nil {
		slog.Warn("relay delivery failed", "tab_id", tab.ID, "action", env.Action, "error", err)
	}
}

func (r *Router) recordResult(env wire.Envelope, tabID string) {
	res := wire.ResultFromEnvelope(env)
	if res.Success {
		r.stats.Solved++
	} else {
		r.stats.Failed++
	}
	r.stats.SuccessRate = successRate(r.stats.Solved, r.stats.Failed)

	rec := storage.ResultRecord{
		Time:      time.Now().UTC(),
		RequestID: res.RequestID,
		Kind:      string(res.Kind),
		TabID:     tabID,
		Success:   res.Success,
		Error:     res.Error,
		Solver:    env.Solver,
	}
	if r.opts.Journal != nil {
		if err := r.opts.Journal.Write(rec); err != nil {
			slog.Debug("relay journal write failed", "error", err)
		}
	}
	r.publish(TopicResult, rec)

	slog.Info("relay captcha result",
		"request_id", res.RequestID, "kind", res.Kind, "tab_id", tabID, "success", res.Success, "error", res.Error)
	if !res.Success && r.opts.NotifyOnFailure {
		r.notify(fmt.Sprintf("captcha relay: %s solve failed: %s", res.Kind, res.Error))
	}
}

func successRate(solved, failed int) int {
	total := solved + failed
	if total == 0 {
		return 0
	}
	return int(math.Round(float64(solved) / float64(total) * 100))
}

func (r *Router) pruneInFlight(now time.Time) {
	for id, fl := range r.inflight {
		if now.Sub(fl.createdAt) < r.opts.InFlightTTL {
			continue
		}
		r.forget(id)
		slog.Debug("relay request expired", "request_id", id, "kind", fl.kind, "tab_id", fl.tabID)
	}
}

func (r *Router) checkDowntime(now time.Time) {
	if r.opts.DowntimeAlert <= 0 || r.downSince.IsZero() || r.downAlerted {
		return
	}
	down := now.Sub(r.downSince)
	if down < r.opts.DowntimeAlert {
		return
	}
	r.downAlerted = true
	slog.Warn("relay solver link down", "for", down.Round(time.Second), "queue_length", r.queue.Len())
	r.notify(fmt.Sprintf("captcha relay: solver link down for %s (%d queued)", down.Round(time.Second), r.queue.Len()))
}

// notify sends an alert without blocking the router.
func (r *Router) notify(msg string) {
	if r.opts.Notifier == nil {
		return
	}
	r.notifyW.Add(1)
	go func() {
		defer r.notifyW.Done()
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := r.opts.Notifier.Notify(ctx, msg); err != nil {
			slog.Warn("relay notification failed", "error", err)
		}
	}()
}

func (r *Router) publish(topic string, data any) {
	if r.opts.Broker != nil {
		r.opts.Broker.Publish(topic, data)
	}
}

func (r *Router) stateData() map[string]any {
	return map[string]any{
		"state":        r.transport.State().String(),
		"queue_length": r.queue.Len(),
		"enabled":      r.enabled,
	}
}

// RegisterTab attaches a page context. Newly registered tabs learn the current
// auto-solve setting when it is off.
func (r *Router) RegisterTab(ctx context.Context, id, url string, sink TabSink) (TabInfo, error) {
	if id == "" {
		return TabInfo{}, newError(CodeValidation, "tab id is required", nil)
	}
	var info TabInfo
	err := r.do(ctx, func(runCtx context.Context) {
		info = r.tabs.Register(id, url, sink)
		if !r.enabled && sink != nil {
			_ = sink.Deliver(runCtx, wire.Envelope{Action: wire.ActionToggleEnabled, Enabled: wire.Bool(false)})
		}
		r.publish(TopicTab, map[string]any{"event": "registered", "tab": info})
		slog.Info("relay tab registered", "tab_id", id, "url", url, "active", info.Active)
	})
	return info, err
}

func (r *Router) UnregisterTab(ctx context.Context, id string) error {
	return r.do(ctx, func(context.Context) {
		r.tabs.Remove(id)
		r.publish(TopicTab, map[string]any{"event": "unregistered", "tab_id": id})
		slog.Info("relay tab unregistered", "tab_id", id)
	})
}

// ActivateTab records id as the active tab of the focused window.
func (r *Router) ActivateTab(ctx context.Context, id string) error {
	var ok bool
	if err := r.do(ctx, func(context.Context) {
		ok = r.tabs.Activate(id)
	}); err != nil {
		return err
	}
	if !ok {
		return newError(CodeTabNotFound, fmt.Sprintf("tab %q is not registered", id), nil)
	}
	slog.Debug("relay tab activated", "tab_id", id)
	return nil
}

func (r *Router) NavigateTab(ctx context.Context, id, url string) error {
	return r.do(ctx, func(context.Context) {
		r.tabs.SetURL(id, url)
	})
}

// SolveNow asks the active tab to run detection immediately.
func (r *Router) SolveNow(ctx context.Context) (TabInfo, error) {
	var tab TabInfo
	var derr error
	if err := r.do(ctx, func(runCtx context.Context) {
		var ok bool
		tab, ok = r.tabs.Active()
		if !ok || tab.sink == nil {
			derr = newError(CodeNoActiveTab, "no active tab", nil)
			return
		}
		if err := tab.sink.Deliver(runCtx, wire.Envelope{Action: wire.ActionSolveNow}); err != nil {
			derr = newError(CodeDeliveryFailed, "solve_now not delivered", err)
		}
	}); err != nil {
		return TabInfo{}, err
	}
	return tab, derr
}

// SetEnabled toggles automatic solving in every registered tab.
func (r *Router) SetEnabled(ctx context.Context, enabled bool) error {
	return r.do(ctx, func(runCtx context.Context) {
		r.enabled = enabled
		env := wire.Envelope{Action: wire.ActionToggleEnabled, Enabled: wire.Bool(enabled)}
		for _, tab := range r.tabs.List() {
			if tab.sink == nil {
				continue
			}
			if err := tab.sink.Deliver(runCtx, env); err != nil {
				slog.Debug("relay toggle not delivered", "tab_id", tab.ID, "error", err)
			}
		}
		r.publish(TopicState, r.stateData())
		slog.Info("relay auto-solve toggled", "enabled", enabled)
	})
}

func (r *Router) Enabled(ctx context.Context) (bool, error) {
	var enabled bool
	err := r.do(ctx, func(context.Context) { enabled = r.enabled })
	return enabled, err
}

// Reconnect starts a connection attempt if the link is down.
func (r *Router) Reconnect(ctx context.Context) error {
	return r.do(ctx, func(context.Context) {
		r.transport.Connect()
	})
}

func (r *Router) Status(ctx context.Context) (Status, error) {
	var st Status
	err := r.do(ctx, func(context.Context) {
		state := r.transport.State()
		st = Status{
			State:         state.String(),
			Connected:     state == transport.Connected,
			Enabled:       r.enabled,
			QueueLength:   r.queue.Len(),
			QueueCapacity: r.queue.Capacity(),
			InFlight:      len(r.inflight),
			Tabs:          r.tabs.List(),
		}
		if active, ok := r.tabs.Active(); ok {
			st.ActiveTab = active.ID
		}
		if !r.downSince.IsZero() {
			since := r.downSince
			st.DownSince = &since
		}
	})
	return st, err
}

func (r *Router) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := r.do(ctx, func(context.Context) { s = r.stats })
	return s, err
}

// PendingSnapshot returns the queued envelopes in send order.
func (r *Router) PendingSnapshot(ctx context.Context) ([]wire.Envelope, error) {
	var out []wire.Envelope
	err := r.do(ctx, func(context.Context) { out = r.queue.Snapshot() })
	return out, err
}
