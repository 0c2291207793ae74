package heartbeat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/g960059/hivesync/internal/db"
	"github.com/g960059/hivesync/internal/model"
	"github.com/g960059/hivesync/internal/testutil"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []ConnectionEvent
	ch     chan ConnectionEvent
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{ch: make(chan ConnectionEvent, 16)}
}

func (r *eventRecorder) handle(event ConnectionEvent) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	r.ch <- event
}

func (r *eventRecorder) snapshot() []ConnectionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ConnectionEvent(nil), r.events...)
}

func newMonitor(t *testing.T) (*Monitor, *db.Store, context.Context, *clock.Mock, *eventRecorder) {
	t.Helper()
	store, ctx := testutil.NewStore(t)
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	m, err := NewMonitor(MonitorParams{
		Store:          store,
		Clock:          clk,
		LivenessWindow: 5 * time.Minute,
		Logger:         zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}
	rec := newEventRecorder()
	m.OnConnectionStateChange(rec.handle)
	return m, store, ctx, clk, rec
}

func TestRecordHeartbeatRejectsMalformedPayload(t *testing.T) {
	m, store, ctx, _, rec := newMonitor(t)
	node := testutil.SeedNode(t, store, ctx, "m-1", nil)

	cases := []model.HeartbeatPayload{
		{NodeID: "not-a-uuid", Status: model.NodeStatusOnline},
		{NodeID: node.ID},
		{NodeID: node.ID, Status: model.NodeStatusPending},
		{NodeID: node.ID, Status: "sleeping"},
		{NodeID: node.ID, Status: model.NodeStatusOnline, Capabilities: &model.NodeCapabilities{MaxConcurrentTasks: -1}},
	}
	for _, hb := range cases {
		_, err := m.RecordHeartbeat(ctx, hb)
		var verr *model.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("payload %+v: expected validation error, got %v", hb, err)
		}
	}

	got, err := store.GetNode(ctx, node.ID)
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	if got.Status != model.NodeStatusPending || got.LastHeartbeatAt != nil {
		t.Fatalf("expected node untouched, got %+v", got)
	}
	if len(rec.snapshot()) != 0 {
		t.Fatalf("expected no events, got %+v", rec.snapshot())
	}
}

func TestRecordHeartbeatUnknownNode(t *testing.T) {
	m, _, ctx, _, _ := newMonitor(t)
	_, err := m.RecordHeartbeat(ctx, model.HeartbeatPayload{NodeID: uuid.NewString(), Status: model.NodeStatusOnline})
	if !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHeartbeatAfterOfflineFiresReconnect(t *testing.T) {
	m, store, ctx, clk, rec := newMonitor(t)
	node := testutil.SeedNode(t, store, ctx, "m-1", nil)

	if _, err := m.Disconnect(ctx, node.ID); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	clk.Add(time.Minute)
	got, err := m.RecordHeartbeat(ctx, model.HeartbeatPayload{NodeID: node.ID, Status: model.NodeStatusOnline})
	if err != nil {
		t.Fatalf("record heartbeat: %v", err)
	}
	if got.Status != model.NodeStatusOnline {
		t.Fatalf("expected online, got %s", got.Status)
	}

	events := rec.snapshot()
	if len(events) != 2 {
		t.Fatalf("expected disconnect + reconnect events, got %+v", events)
	}
	last := events[1]
	if !last.Reconnected || last.Previous != model.NodeStatusOffline || last.Current != model.NodeStatusOnline {
		t.Fatalf("unexpected reconnect event %+v", last)
	}

	clk.Add(time.Minute)
	if _, err := m.RecordHeartbeat(ctx, model.HeartbeatPayload{NodeID: node.ID, Status: model.NodeStatusOnline}); err != nil {
		t.Fatalf("record steady heartbeat: %v", err)
	}
	if len(rec.snapshot()) != 2 {
		t.Fatalf("steady heartbeat must not emit events, got %+v", rec.snapshot())
	}
}

func TestHeartbeatAfterSilenceCountsAsReconnect(t *testing.T) {
	m, store, ctx, clk, rec := newMonitor(t)
	node := testutil.SeedNode(t, store, ctx, "m-1", testutil.Ptr(clk.Now()))

	clk.Add(6 * time.Minute)
	if _, err := m.RecordHeartbeat(ctx, model.HeartbeatPayload{NodeID: node.ID, Status: model.NodeStatusOnline}); err != nil {
		t.Fatalf("record heartbeat: %v", err)
	}
	events := rec.snapshot()
	if len(events) != 1 || !events[0].Reconnected {
		t.Fatalf("expected reconnect after silence, got %+v", events)
	}
}

func TestHeartbeatOnDrainingNodeKeepsStatus(t *testing.T) {
	m, store, ctx, clk, _ := newMonitor(t)
	node := testutil.SeedNode(t, store, ctx, "m-1", testutil.Ptr(clk.Now()))

	if _, err := m.Drain(ctx, node.ID); err != nil {
		t.Fatalf("drain: %v", err)
	}
	clk.Add(30 * time.Second)
	got, err := m.RecordHeartbeat(ctx, model.HeartbeatPayload{NodeID: node.ID, Status: model.NodeStatusOnline})
	if err != nil {
		t.Fatalf("record heartbeat: %v", err)
	}
	if got.Status != model.NodeStatusDraining {
		t.Fatalf("expected draining to stick, got %s", got.Status)
	}
	if got.LastHeartbeatAt == nil || !got.LastHeartbeatAt.Equal(clk.Now()) {
		t.Fatalf("expected last_heartbeat_at %v, got %v", clk.Now(), got.LastHeartbeatAt)
	}

	got, err = m.Undrain(ctx, node.ID)
	if err != nil {
		t.Fatalf("undrain: %v", err)
	}
	if got.Status != model.NodeStatusOnline {
		t.Fatalf("expected online after undrain, got %s", got.Status)
	}
}

func TestIsLiveUsesHeartbeatWindow(t *testing.T) {
	m, store, ctx, clk, _ := newMonitor(t)
	node := testutil.SeedNode(t, store, ctx, "m-1", testutil.Ptr(clk.Now()))

	if !m.IsLive(node) {
		t.Fatalf("expected fresh node to be live")
	}
	clk.Add(5 * time.Minute)
	if !m.IsLive(node) {
		t.Fatalf("expected node at window boundary to be live")
	}
	clk.Add(time.Second)
	if m.IsLive(node) {
		t.Fatalf("expected stale node to not be live even though status is %s", node.Status)
	}
	if m.IsLive(model.Node{Status: model.NodeStatusOffline, LastHeartbeatAt: testutil.Ptr(clk.Now())}) {
		t.Fatalf("expected offline node to not be live")
	}
}

func TestSweepStaleFlipsSilentNodes(t *testing.T) {
	m, store, ctx, clk, rec := newMonitor(t)
	silent := testutil.SeedNode(t, store, ctx, "silent", testutil.Ptr(clk.Now()))
	clk.Add(4 * time.Minute)
	chatty := testutil.SeedNode(t, store, ctx, "chatty", testutil.Ptr(clk.Now()))
	clk.Add(2 * time.Minute)

	ids, err := m.SweepStale(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(ids) != 1 || ids[0] != silent.ID {
		t.Fatalf("expected only silent node swept, got %v", ids)
	}
	got, err := store.GetNode(ctx, chatty.ID)
	if err != nil {
		t.Fatalf("get chatty node: %v", err)
	}
	if got.Status != model.NodeStatusOnline {
		t.Fatalf("expected chatty node online, got %s", got.Status)
	}
	events := rec.snapshot()
	if len(events) != 1 || events[0].Current != model.NodeStatusOffline || events[0].Reconnected {
		t.Fatalf("unexpected sweep events %+v", events)
	}
}

func TestSweepLoopRunsOnTicker(t *testing.T) {
	m, store, ctx, clk, rec := newMonitor(t)
	node := testutil.SeedNode(t, store, ctx, "m-1", testutil.Ptr(clk.Now().Add(-10*time.Minute)))

	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		_ = m.Stop(context.Background())
	})
	if err := m.Start(ctx); err == nil {
		t.Fatalf("expected second start to fail")
	}

	clk.Add(30 * time.Second)
	select {
	case event := <-rec.ch:
		if event.NodeID != node.ID || event.Current != model.NodeStatusOffline {
			t.Fatalf("unexpected event %+v", event)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for sweep")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
