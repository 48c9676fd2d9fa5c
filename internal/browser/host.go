// Package browser attaches page agents to the tabs of a running Chromium
// over the DevTools protocol.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/dgnsrekt/captcha_relay/internal/agent"
	"github.com/dgnsrekt/captcha_relay/internal/detect"
	"github.com/dgnsrekt/captcha_relay/internal/intercept"
	"github.com/dgnsrekt/captcha_relay/internal/relay"
)

const (
	attachTimeout = 15 * time.Second
	routerTimeout = 5 * time.Second
)

// Router is the part of relay.Router the host needs.
type Router interface {
	agent.Requester
	RegisterTab(ctx context.Context, id, url string, sink relay.TabSink) (relay.TabInfo, error)
	UnregisterTab(ctx context.Context, id string) error
	ActivateTab(ctx context.Context, id string) error
	NavigateTab(ctx context.Context, id, url string) error
}

type Config struct {
	CDPURL string
	// TabURLFilter limits attachment to tabs whose URL contains it
	// (case-insensitive). Empty attaches every page.
	TabURLFilter string

	Rules          *detect.Rules
	Proxy          string
	SettleDelay    time.Duration
	NoticeDuration time.Duration
	RequestTimeout time.Duration
	ExecuteTimeout time.Duration
}

type tab struct {
	id     target.ID
	ctx    context.Context
	cancel context.CancelFunc
	page   *cdpPage
	agent  *agent.PageAgent
	bus    *intercept.LocalBus
	unsub  func()
}

// Host owns the CDP connection and one page agent per attached tab.
type Host struct {
	cfg    Config
	router Router
	script string

	browserCtx context.Context
	tabsMu     sync.Mutex
	tabs       map[target.ID]*tab
	closed     bool // set under tabsMu once Run starts shutting down
	wg         sync.WaitGroup
}

func NewHost(cfg Config, router Router) *Host {
	if cfg.Rules == nil {
		cfg.Rules = detect.DefaultRules()
	}
	return &Host{
		cfg:    cfg,
		router: router,
		script: intercept.Script(cfg.ExecuteTimeout),
		tabs:   make(map[target.ID]*tab),
	}
}

// Run connects to the browser, attaches to matching tabs and follows tab
// creation and destruction until ctx is cancelled.
func (h *Host) Run(ctx context.Context) error {
	slog.Info("connecting to browser", "url", h.cfg.CDPURL)
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), h.cfg.CDPURL)
	defer allocCancel()
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()

	if err := chromedp.Run(browserCtx); err != nil {
		return fmt.Errorf("connect to browser: %w", err)
	}
	h.browserCtx = browserCtx

	chromedp.ListenBrowser(browserCtx, func(ev any) {
		switch e := ev.(type) {
		case *target.EventTargetCreated:
			if e.TargetInfo.Type == "page" {
				h.goAttach(ctx, e.TargetInfo.TargetID, e.TargetInfo.URL)
			}
		case *target.EventTargetInfoChanged:
			// New tabs start on about:blank; attach once they reach a URL
			// that passes the filter.
			if e.TargetInfo.Type == "page" && h.cfg.TabURLFilter != "" && !h.attached(e.TargetInfo.TargetID) {
				h.goAttach(ctx, e.TargetInfo.TargetID, e.TargetInfo.URL)
			}
		case *target.EventTargetDestroyed:
			h.goDetach(e.TargetID)
		}
	})
	if err := chromedp.Run(browserCtx, target.SetDiscoverTargets(true)); err != nil {
		return fmt.Errorf("discover targets: %w", err)
	}

	targets, err := chromedp.Targets(browserCtx)
	if err != nil {
		return fmt.Errorf("enumerate targets: %w", err)
	}
	for _, t := range targets {
		if t.Type == "page" {
			h.goAttach(ctx, t.TargetID, t.URL)
		}
	}

	<-ctx.Done()
	h.shutdown()
	h.closeAll()
	h.wg.Wait()
	slog.Info("browser host stopped")
	return nil
}

func (h *Host) matches(url string) bool {
	if h.cfg.TabURLFilter == "" {
		return true
	}
	return strings.Contains(strings.ToLower(url), strings.ToLower(h.cfg.TabURLFilter))
}

func (h *Host) goAttach(ctx context.Context, id target.ID, url string) {
	if !h.matches(url) {
		slog.Debug("skipping tab (url filter)", "tab_id", id, "url", truncateURL(url))
		return
	}
	h.spawn(func() {
		if err := h.attach(ctx, id, url); err != nil {
			slog.Warn("attach to tab failed", "tab_id", id, "url", truncateURL(url), "error", err)
		}
	})
}

func (h *Host) goDetach(id target.ID) {
	h.spawn(func() { h.detach(id) })
}

// spawn runs fn on a goroutine tracked by Run's final Wait. Browser events
// can still arrive while Run shuts down; after that point fn is dropped.
func (h *Host) spawn(fn func()) bool {
	h.tabsMu.Lock()
	defer h.tabsMu.Unlock()
	if h.closed {
		return false
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		fn()
	}()
	return true
}

func (h *Host) shutdown() {
	h.tabsMu.Lock()
	h.closed = true
	h.tabsMu.Unlock()
}

func (h *Host) attach(ctx context.Context, id target.ID, url string) error {
	h.tabsMu.Lock()
	if _, ok := h.tabs[id]; ok || h.closed {
		h.tabsMu.Unlock()
		return nil
	}
	tabCtx, cancel := chromedp.NewContext(h.browserCtx, chromedp.WithTargetID(id))
	t := &tab{id: id, ctx: tabCtx, cancel: cancel, page: &cdpPage{ctx: tabCtx}, bus: intercept.NewLocalBus()}
	h.tabs[id] = t
	h.tabsMu.Unlock()

	setupCtx, setupCancel := context.WithTimeout(tabCtx, attachTimeout)
	defer setupCancel()
	err := chromedp.Run(setupCtx,
		page.Enable(),
		runtime.Enable(),
		runtime.AddBinding(intercept.BindingName),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(h.script).Do(ctx)
			return err
		}),
		chromedp.Evaluate(h.script, nil),
	)
	if err != nil {
		h.forget(id)
		cancel()
		return fmt.Errorf("prepare tab: %w", err)
	}

	t.agent = agent.New(agent.Options{
		TabID:          string(id),
		Page:           t.page,
		Requester:      h.router,
		Rules:          h.cfg.Rules,
		Bus:            t.bus,
		Proxy:          h.cfg.Proxy,
		SettleDelay:    h.cfg.SettleDelay,
		NoticeDuration: h.cfg.NoticeDuration,
		RequestTimeout: h.cfg.RequestTimeout,
	})
	t.unsub = t.bus.Subscribe(func(m intercept.Message) {
		if !m.IsToken() {
			return
		}
		if err := t.page.deliver(tabCtx, m); err != nil {
			slog.Warn("token delivery to page failed", "tab_id", id, "error", err)
		}
	})
	t.agent.Start()
	chromedp.ListenTarget(tabCtx, h.tabEvents(ctx, t))

	regCtx, regCancel := context.WithTimeout(ctx, routerTimeout)
	defer regCancel()
	if _, err := h.router.RegisterTab(regCtx, string(id), url, t.agent); err != nil {
		h.forget(id)
		h.teardown(t)
		return fmt.Errorf("register tab: %w", err)
	}
	slog.Info("attached to tab", "tab_id", id, "url", truncateURL(url))
	t.agent.OnMutation()
	return nil
}

// tabEvents runs on chromedp's event goroutine and must not block on the
// tab; anything that waits is handed off.
func (h *Host) tabEvents(ctx context.Context, t *tab) func(ev any) {
	return func(ev any) {
		switch e := ev.(type) {
		case *runtime.EventBindingCalled:
			if e.Name != intercept.BindingName {
				return
			}
			p, err := intercept.ParsePayload(e.Payload)
			if err != nil {
				slog.Debug("bad binding payload", "tab_id", t.id, "error", err)
				return
			}
			switch p.Kind {
			case intercept.PayloadBus:
				t.bus.Post(*p.Message)
			case intercept.PayloadMutation:
				t.agent.OnMutation()
			case intercept.PayloadFocus:
				h.routerCall(ctx, func(ctx context.Context) error { return h.router.ActivateTab(ctx, string(t.id)) })
			}
		case *page.EventFrameNavigated:
			if e.Frame.ParentID != "" {
				return
			}
			url := e.Frame.URL
			t.agent.OnNavigate(url)
			h.routerCall(ctx, func(ctx context.Context) error { return h.router.NavigateTab(ctx, string(t.id), url) })
			slog.Info("tab navigated", "tab_id", t.id, "url", truncateURL(url))
		}
	}
}

func (h *Host) routerCall(ctx context.Context, fn func(context.Context) error) {
	h.spawn(func() {
		callCtx, cancel := context.WithTimeout(ctx, routerTimeout)
		defer cancel()
		if err := fn(callCtx); err != nil {
			slog.Debug("router call failed", "error", err)
		}
	})
}

func (h *Host) forget(id target.ID) *tab {
	h.tabsMu.Lock()
	defer h.tabsMu.Unlock()
	t := h.tabs[id]
	delete(h.tabs, id)
	return t
}

func (h *Host) teardown(t *tab) {
	if t.agent != nil {
		t.agent.Close()
	}
	if t.unsub != nil {
		t.unsub()
	}
	t.cancel()
}

func (h *Host) detach(id target.ID) {
	t := h.forget(id)
	if t == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), routerTimeout)
	defer cancel()
	if err := h.router.UnregisterTab(ctx, string(id)); err != nil {
		slog.Debug("unregister tab", "tab_id", id, "error", err)
	}
	h.teardown(t)
	slog.Info("detached from tab", "tab_id", id)
}

func (h *Host) closeAll() {
	h.tabsMu.Lock()
	tabs := make([]*tab, 0, len(h.tabs))
	for id, t := range h.tabs {
		tabs = append(tabs, t)
		delete(h.tabs, id)
	}
	h.tabsMu.Unlock()
	for _, t := range tabs {
		h.teardown(t)
	}
}

func (h *Host) attached(id target.ID) bool {
	h.tabsMu.Lock()
	defer h.tabsMu.Unlock()
	_, ok := h.tabs[id]
	return ok
}

// TabCount returns the number of attached tabs.
func (h *Host) TabCount() int {
	h.tabsMu.Lock()
	defer h.tabsMu.Unlock()
	return len(h.tabs)
}

func truncateURL(url string) string {
	if len(url) > 120 {
		return url[:120] + "..."
	}
	return url
}
