package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dgnsrekt/captcha_relay/internal/queue"
	"github.com/dgnsrekt/captcha_relay/internal/storage"
	"github.com/dgnsrekt/captcha_relay/internal/transport"
	"github.com/dgnsrekt/captcha_relay/internal/wire"
)

type fakeTransport struct {
	mu       sync.Mutex
	state    transport.State
	sent     []wire.Envelope
	connects int
	closed   bool
	events   chan transport.Event
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan transport.Event, 16)}
}

func (f *fakeTransport) Connect() {
	f.mu.Lock()
	f.connects++
	f.mu.Unlock()
}

func (f *fakeTransport) Send(env wire.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != transport.Connected {
		return transport.ErrNotConnected
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeTransport) State() transport.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) Events() <-chan transport.Event { return f.events }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) setState(s transport.State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *fakeTransport) connect() {
	f.setState(transport.Connected)
	f.events <- transport.Event{Kind: transport.EventConnected}
}

func (f *fakeTransport) disconnect() {
	f.setState(transport.Disconnected)
	f.events <- transport.Event{Kind: transport.EventDisconnected, Err: errors.New("eof")}
}

func (f *fakeTransport) receive(env wire.Envelope) {
	f.events <- transport.Event{Kind: transport.EventMessage, Msg: env}
}

func (f *fakeTransport) sentEnvelopes() []wire.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wire.Envelope(nil), f.sent...)
}

type fakeSink struct {
	ch chan wire.Envelope
}

func newFakeSink() *fakeSink {
	return &fakeSink{ch: make(chan wire.Envelope, 16)}
}

func (s *fakeSink) Deliver(_ context.Context, env wire.Envelope) error {
	select {
	case s.ch <- env:
		return nil
	default:
		return errors.New("sink full")
	}
}

func (s *fakeSink) next(t *testing.T) wire.Envelope {
	t.Helper()
	select {
	case env := <-s.ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	return wire.Envelope{}
}

func (s *fakeSink) empty(t *testing.T) {
	t.Helper()
	select {
	case env := <-s.ch:
		t.Fatalf("unexpected delivery: %+v", env)
	case <-time.After(50 * time.Millisecond):
	}
}

type fakeJournal struct {
	mu   sync.Mutex
	recs []any
}

func (j *fakeJournal) Write(rec any) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.recs = append(j.recs, rec)
	return nil
}

type fakeNotifier struct {
	msgs chan string
}

func (n *fakeNotifier) Notify(_ context.Context, msg string) error {
	n.msgs <- msg
	return nil
}

func startRouter(t *testing.T, tr Transport, opts Options) (*Router, func()) {
	t.Helper()
	r := NewRouter(tr, opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	return r, func() {
		cancel()
		require.NoError(t, <-done)
	}
}

func solve(sitekey string) Request {
	return Request{Action: wire.ActionSolveHCaptcha, Sitekey: sitekey, URL: "https://example.com"}
}

func sitekeys(envs []wire.Envelope) []string {
	out := make([]string, 0, len(envs))
	for _, e := range envs {
		out = append(out, e.Sitekey)
	}
	return out
}

func TestIsConnectedSendsNoTraffic(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	tr := newFakeTransport()
	r, stop := startRouter(t, tr, Options{})
	defer stop()

	reply, err := r.Handle(ctx, "tab-1", Request{Action: wire.ActionIsConnected})
	require.NoError(t, err)
	assert.True(t, reply.Success)
	assert.False(t, reply.Connected)

	tr.setState(transport.Connected)
	reply, err = r.Handle(ctx, "tab-1", Request{Action: wire.ActionIsConnected})
	require.NoError(t, err)
	assert.True(t, reply.Connected)

	assert.Empty(t, tr.sentEnvelopes())
}

func TestQueuedRequestsReplayInOrderOnConnect(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	tr := newFakeTransport()
	r, stop := startRouter(t, tr, Options{})
	defer stop()

	for _, k := range []string{"A", "B", "C"} {
		reply, err := r.Handle(ctx, "tab-1", solve(k))
		require.NoError(t, err)
		assert.True(t, reply.Success)
		assert.False(t, reply.Connected)
	}
	pending, err := r.PendingSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, sitekeys(pending))
	assert.Empty(t, tr.sentEnvelopes())

	tr.connect()

	require.Eventually(t, func() bool { return len(tr.sentEnvelopes()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"A", "B", "C"}, sitekeys(tr.sentEnvelopes()))
	pending, err = r.PendingSnapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestBacklogIsSentBeforeNewRequests(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	tr := newFakeTransport()
	r, stop := startRouter(t, tr, Options{})
	defer stop()

	_, err := r.Handle(ctx, "tab-1", solve("A"))
	require.NoError(t, err)
	_, err = r.Handle(ctx, "tab-1", solve("B"))
	require.NoError(t, err)

	// The link is up but the router has not seen the connected event yet.
	tr.setState(transport.Connected)
	_, err = r.Handle(ctx, "tab-1", solve("C"))
	require.NoError(t, err)
	assert.Empty(t, tr.sentEnvelopes())

	tr.events <- transport.Event{Kind: transport.EventConnected}
	require.Eventually(t, func() bool { return len(tr.sentEnvelopes()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"A", "B", "C"}, sitekeys(tr.sentEnvelopes()))
}

func TestDirectSendWhenConnected(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	tr := newFakeTransport()
	tr.setState(transport.Connected)
	r, stop := startRouter(t, tr, Options{})
	defer stop()

	reply, err := r.Handle(ctx, "tab-1", Request{
		Action: wire.ActionSolveHCaptcha, Sitekey: "k", URL: "https://example.com", Proxy: "http://p:1",
	})
	require.NoError(t, err)
	require.True(t, reply.Success)
	require.NotEmpty(t, reply.RequestID)

	sent := tr.sentEnvelopes()
	require.Len(t, sent, 1)
	assert.Equal(t, wire.ActionSolveHCaptcha, sent[0].Action)
	assert.Equal(t, reply.RequestID, sent[0].RequestID)
	assert.Equal(t, "http://p:1", sent[0].Proxy)
}

func TestMousePathRequestDefaultsSteps(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	tr := newFakeTransport()
	tr.setState(transport.Connected)
	r, stop := startRouter(t, tr, Options{})
	defer stop()

	reply, err := r.Handle(ctx, "tab-1", Request{
		Action: wire.ActionGetMousePath,
		Start:  &wire.Point{0, 0},
		End:    &wire.Point{10, 10},
	})
	require.NoError(t, err)
	require.True(t, reply.Success)

	sent := tr.sentEnvelopes()
	require.Len(t, sent, 1)
	assert.Equal(t, wire.ActionGetMousePath, sent[0].Action)
	assert.Equal(t, 50, sent[0].Steps)
}

func TestRequestValidation(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	tr := newFakeTransport()
	tr.setState(transport.Connected)
	r, stop := startRouter(t, tr, Options{})
	defer stop()

	tests := []struct {
		name    string
		req     Request
		wantErr string
	}{
		{"empty sitekey", Request{Action: wire.ActionSolveReCaptcha, URL: "https://example.com"}, "sitekey is required"},
		{"mouse path without end", Request{Action: wire.ActionGetMousePath, Start: &wire.Point{1, 1}}, "start and end are required"},
		{"unknown action", Request{Action: "toggle_everything"}, "unknown action"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply, err := r.Handle(ctx, "tab-1", tt.req)
			require.NoError(t, err)
			assert.False(t, reply.Success)
			assert.Equal(t, tt.wantErr, reply.Error)
		})
	}
	assert.Empty(t, tr.sentEnvelopes())
}

func TestResultRoutesToOriginTabAndUnknownIDFallsBackToActive(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	tr := newFakeTransport()
	tr.setState(transport.Connected)
	r, stop := startRouter(t, tr, Options{})
	defer stop()

	tab1, tab2 := newFakeSink(), newFakeSink()
	info, err := r.RegisterTab(ctx, "tab-1", "https://a.example", tab1)
	require.NoError(t, err)
	assert.True(t, info.Active)
	_, err = r.RegisterTab(ctx, "tab-2", "https://b.example", tab2)
	require.NoError(t, err)

	reply, err := r.Handle(ctx, "tab-2", solve("k"))
	require.NoError(t, err)

	tr.receive(wire.Envelope{Action: wire.ActionCaptchaResult, RequestID: reply.RequestID, Type: "hcaptcha", Success: wire.Bool(true), Token: "T2"})
	got := tab2.next(t)
	assert.Equal(t, "T2", got.Token)
	tab1.empty(t)

	tr.receive(wire.Envelope{Action: wire.ActionCaptchaResult, RequestID: "no-such-request", Type: "hcaptcha", Success: wire.Bool(true), Token: "T1"})
	got = tab1.next(t)
	assert.Equal(t, "T1", got.Token)

	tr.receive(wire.Envelope{Action: wire.ActionMousePath, Path: []wire.Point{{1, 2}}})
	got = tab1.next(t)
	assert.Equal(t, wire.ActionMousePath, got.Action)
	tab2.empty(t)
}

func TestResultWithoutAnyTabIsDropped(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	tr := newFakeTransport()
	r, stop := startRouter(t, tr, Options{})
	defer stop()

	tr.receive(wire.Envelope{Action: wire.ActionCaptchaResult, Type: "hcaptcha", Success: wire.Bool(false), Error: "x"})
	tr.receive(wire.Envelope{Action: wire.ActionPong})
	tr.receive(wire.Envelope{Action: wire.ActionError, Error: "boom"})
	tr.receive(wire.Envelope{Action: "mystery"})

	require.Eventually(t, func() bool {
		s, err := r.Stats(ctx)
		return err == nil && s.Unrouted == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestConnectedBroadcastsToEveryTab(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	tr := newFakeTransport()
	r, stop := startRouter(t, tr, Options{})
	defer stop()

	a, b := newFakeSink(), newFakeSink()
	_, err := r.RegisterTab(ctx, "a", "", a)
	require.NoError(t, err)
	_, err = r.RegisterTab(ctx, "b", "", b)
	require.NoError(t, err)

	tr.connect()
	assert.Equal(t, wire.ActionClientConnected, a.next(t).Action)
	assert.Equal(t, wire.ActionClientConnected, b.next(t).Action)
}

func TestSolveNow(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	tr := newFakeTransport()
	r, stop := startRouter(t, tr, Options{})
	defer stop()

	_, err := r.SolveNow(ctx)
	var coded *CodedError
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, CodeNoActiveTab, coded.Code)

	a, b := newFakeSink(), newFakeSink()
	_, err = r.RegisterTab(ctx, "a", "", a)
	require.NoError(t, err)
	_, err = r.RegisterTab(ctx, "b", "", b)
	require.NoError(t, err)
	require.NoError(t, r.ActivateTab(ctx, "b"))

	tab, err := r.SolveNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", tab.ID)
	assert.Equal(t, wire.ActionSolveNow, b.next(t).Action)
	a.empty(t)

	err = r.ActivateTab(ctx, "zzz")
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, CodeTabNotFound, coded.Code)
}

func TestSetEnabledBroadcastsAndReachesLateTabs(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	tr := newFakeTransport()
	r, stop := startRouter(t, tr, Options{})
	defer stop()

	a := newFakeSink()
	_, err := r.RegisterTab(ctx, "a", "", a)
	require.NoError(t, err)

	require.NoError(t, r.SetEnabled(ctx, false))
	got := a.next(t)
	assert.Equal(t, wire.ActionToggleEnabled, got.Action)
	require.NotNil(t, got.Enabled)
	assert.False(t, *got.Enabled)

	late := newFakeSink()
	_, err = r.RegisterTab(ctx, "late", "", late)
	require.NoError(t, err)
	got = late.next(t)
	assert.Equal(t, wire.ActionToggleEnabled, got.Action)

	enabled, err := r.Enabled(ctx)
	require.NoError(t, err)
	assert.False(t, enabled)
}

func TestStatsAndJournal(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	tr := newFakeTransport()
	j := &fakeJournal{}
	broker := NewBroker()
	_, events := broker.Subscribe()
	r, stop := startRouter(t, tr, Options{Journal: j, Broker: broker})
	defer stop()

	sink := newFakeSink()
	_, err := r.RegisterTab(ctx, "a", "", sink)
	require.NoError(t, err)

	tr.receive(wire.Envelope{Action: wire.ActionCaptchaResult, Type: "hcaptcha", Success: wire.Bool(true), Token: "secret"})
	tr.receive(wire.Envelope{Action: wire.ActionCaptchaResult, Type: "recaptcha", Success: wire.Bool(false), Error: "nope"})
	sink.next(t)
	sink.next(t)

	s, err := r.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Solved)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 50, s.SuccessRate)

	j.mu.Lock()
	require.Len(t, j.recs, 2)
	first := j.recs[0].(storage.ResultRecord)
	j.mu.Unlock()
	assert.Equal(t, "hcaptcha", first.Kind)
	assert.Equal(t, "a", first.TabID)
	assert.True(t, first.Success)

	var topics []string
	for len(events) > 0 {
		topics = append(topics, (<-events).Topic)
	}
	assert.Contains(t, topics, TopicResult)
	assert.Contains(t, topics, TopicTab)
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	tr := newFakeTransport()
	r, stop := startRouter(t, tr, Options{QueueCapacity: 2, OverflowPolicy: queue.DropOldest})
	defer stop()

	for _, k := range []string{"A", "B", "C"} {
		_, err := r.Handle(ctx, "tab-1", solve(k))
		require.NoError(t, err)
	}
	pending, err := r.PendingSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "C"}, sitekeys(pending))

	s, err := r.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Dropped)

	st, err := r.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.InFlight)
	assert.Equal(t, 2, st.QueueLength)
}

func TestQueueOverflowRejectNew(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	tr := newFakeTransport()
	r, stop := startRouter(t, tr, Options{QueueCapacity: 1, OverflowPolicy: queue.RejectNew})
	defer stop()

	reply, err := r.Handle(ctx, "tab-1", solve("A"))
	require.NoError(t, err)
	assert.True(t, reply.Success)

	reply, err = r.Handle(ctx, "tab-1", solve("B"))
	require.NoError(t, err)
	assert.False(t, reply.Success)
	assert.Contains(t, reply.Error, "full")
}

func TestDowntimeAlertFiresOnceAndRecovers(t *testing.T) {
	defer goleak.VerifyNone(t)
	tr := newFakeTransport()
	n := &fakeNotifier{msgs: make(chan string, 4)}
	_, stop := startRouter(t, tr, Options{
		PruneInterval: 5 * time.Millisecond,
		DowntimeAlert: 20 * time.Millisecond,
		Notifier:      n,
	})
	defer stop()

	select {
	case msg := <-n.msgs:
		assert.Contains(t, msg, "solver link down")
	case <-time.After(2 * time.Second):
		t.Fatal("no downtime alert")
	}

	tr.connect()
	select {
	case msg := <-n.msgs:
		assert.Contains(t, msg, "restored")
	case <-time.After(2 * time.Second):
		t.Fatal("no recovery notice")
	}

	select {
	case msg := <-n.msgs:
		t.Fatalf("unexpected extra alert: %s", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDisconnectedEventUpdatesStatus(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	tr := newFakeTransport()
	r, stop := startRouter(t, tr, Options{})
	defer stop()

	tr.connect()
	require.Eventually(t, func() bool {
		st, err := r.Status(ctx)
		return err == nil && st.Connected && st.DownSince == nil
	}, 2*time.Second, 5*time.Millisecond)

	tr.disconnect()
	require.Eventually(t, func() bool {
		st, err := r.Status(ctx)
		return err == nil && !st.Connected && st.DownSince != nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStaleDisconnectedEventIgnoredWhileConnected(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	tr := newFakeTransport()
	r, stop := startRouter(t, tr, Options{})
	defer stop()

	tr.connect()
	tr.events <- transport.Event{Kind: transport.EventDisconnected, Err: errors.New("old connection")}
	require.Eventually(t, func() bool { return len(tr.events) == 0 }, 2*time.Second, 5*time.Millisecond)

	st, err := r.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Connected)
	assert.Nil(t, st.DownSince)
}

func TestRouterStopClosesTransportAndRejectsCommands(t *testing.T) {
	defer goleak.VerifyNone(t)
	tr := newFakeTransport()
	r, stop := startRouter(t, tr, Options{})

	_, err := r.Handle(context.Background(), "tab-1", Request{Action: wire.ActionIsConnected})
	require.NoError(t, err)
	stop()

	tr.mu.Lock()
	assert.True(t, tr.closed)
	assert.Equal(t, 1, tr.connects)
	tr.mu.Unlock()

	_, err = r.Handle(context.Background(), "tab-1", Request{Action: wire.ActionIsConnected})
	var coded *CodedError
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, CodeRouterStopped, coded.Code)

	assert.Error(t, r.Run(context.Background()))
}
