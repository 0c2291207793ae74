package heartbeat

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/g960059/hivesync/internal/db"
	"github.com/g960059/hivesync/internal/logging"
	"github.com/g960059/hivesync/internal/model"
)

const (
	// sweepFrequencyFactor divides the liveness window to get the sweep interval.
	sweepFrequencyFactor = 3

	minSweepFrequency = 1 * time.Second
	maxSweepFrequency = 30 * time.Second
)

type Store interface {
	GetNode(ctx context.Context, nodeID string) (model.Node, error)
	RecordHeartbeat(ctx context.Context, hb model.HeartbeatPayload, now time.Time) (db.NodeChange, error)
	ConnectNode(ctx context.Context, nodeID string, now time.Time) (db.NodeChange, error)
	DisconnectNode(ctx context.Context, nodeID string, now time.Time) (db.NodeChange, error)
	DrainNode(ctx context.Context, nodeID string, now time.Time) (db.NodeChange, error)
	UndrainNode(ctx context.Context, nodeID string, now time.Time) (db.NodeChange, error)
	MarkStaleNodesOffline(ctx context.Context, cutoff, now time.Time) ([]db.StaleNode, error)
}

// ConnectionEvent describes a node status change. Reconnected is set when a
// node that was not live becomes live again.
type ConnectionEvent struct {
	NodeID      string
	Previous    model.NodeStatus
	Current     model.NodeStatus
	Reconnected bool
	Timestamp   time.Time
}

type ConnectionStateChangeHandler func(event ConnectionEvent)

type MonitorParams struct {
	Store          Store         // Required
	Clock          clock.Clock   // Optional: defaults to real clock
	LivenessWindow time.Duration // Required
	SweepInterval  time.Duration // Optional: derived from LivenessWindow
	Logger         zerolog.Logger
}

// Monitor ingests heartbeats and lifecycle events, derives liveness from the
// heartbeat window and periodically flips silent nodes offline.
type Monitor struct {
	store         Store
	clock         clock.Clock
	window        time.Duration
	sweepInterval time.Duration
	logger        zerolog.Logger

	tasks   sync.WaitGroup
	stopCh  chan struct{}
	running bool
	mu      sync.Mutex

	handlers struct {
		sync.RWMutex
		connectionState []ConnectionStateChangeHandler
	}
}

func NewMonitor(params MonitorParams) (*Monitor, error) {
	if params.Store == nil {
		return nil, errors.New("heartbeat monitor requires a store")
	}
	if params.LivenessWindow <= 0 {
		return nil, errors.New("liveness window must be positive")
	}
	if params.Clock == nil {
		params.Clock = clock.New()
	}
	sweep := params.SweepInterval
	if sweep <= 0 {
		sweep = params.LivenessWindow / sweepFrequencyFactor
		if sweep < minSweepFrequency {
			sweep = minSweepFrequency
		} else if sweep > maxSweepFrequency {
			sweep = maxSweepFrequency
		}
	}
	return &Monitor{
		store:         params.Store,
		clock:         params.Clock,
		window:        params.LivenessWindow,
		sweepInterval: sweep,
		logger:        logging.Component(params.Logger, "heartbeat"),
		stopCh:        make(chan struct{}),
	}, nil
}

// RecordHeartbeat validates and applies a heartbeat. Invalid payloads are
// rejected before any state is touched.
func (m *Monitor) RecordHeartbeat(ctx context.Context, hb model.HeartbeatPayload) (model.Node, error) {
	if err := ValidatePayload(hb); err != nil {
		return model.Node{}, err
	}
	change, err := m.store.RecordHeartbeat(ctx, hb, m.now())
	if err != nil {
		return model.Node{}, errors.Wrapf(err, "record heartbeat for node %s", hb.NodeID)
	}
	m.observe(change)
	return change.Current, nil
}

func ValidatePayload(hb model.HeartbeatPayload) error {
	if _, err := uuid.Parse(strings.TrimSpace(hb.NodeID)); err != nil {
		return model.Invalid("node_id", "must be a UUID")
	}
	switch {
	case hb.Status == "":
		return model.Invalid("status", "is required")
	case !hb.Status.Valid() || hb.Status == model.NodeStatusPending:
		return model.Invalid("status", "must be one of online, busy, offline, draining")
	}
	if hb.Capabilities != nil && hb.Capabilities.MaxConcurrentTasks < 0 {
		return model.Invalid("capabilities.max_concurrent_tasks", "must not be negative")
	}
	return nil
}

func (m *Monitor) Connect(ctx context.Context, nodeID string) (model.Node, error) {
	return m.lifecycle(ctx, "connect", nodeID, m.store.ConnectNode)
}

func (m *Monitor) Disconnect(ctx context.Context, nodeID string) (model.Node, error) {
	return m.lifecycle(ctx, "disconnect", nodeID, m.store.DisconnectNode)
}

func (m *Monitor) Drain(ctx context.Context, nodeID string) (model.Node, error) {
	return m.lifecycle(ctx, "drain", nodeID, m.store.DrainNode)
}

func (m *Monitor) Undrain(ctx context.Context, nodeID string) (model.Node, error) {
	return m.lifecycle(ctx, "undrain", nodeID, m.store.UndrainNode)
}

func (m *Monitor) lifecycle(ctx context.Context, op, nodeID string, fn func(context.Context, string, time.Time) (db.NodeChange, error)) (model.Node, error) {
	change, err := fn(ctx, nodeID, m.now())
	if err != nil {
		return model.Node{}, errors.Wrapf(err, "%s node %s", op, nodeID)
	}
	m.observe(change)
	return change.Current, nil
}

// IsLive reports whether the node counts as online for backfill purposes.
// The stored status alone is not trusted since a crashed node cannot report
// itself offline.
func (m *Monitor) IsLive(node model.Node) bool {
	return isLive(node, m.now(), m.window)
}

func isLive(node model.Node, now time.Time, window time.Duration) bool {
	if !node.Status.Connected() && node.Status != model.NodeStatusDraining {
		return false
	}
	if node.LastHeartbeatAt == nil {
		return false
	}
	return now.Sub(*node.LastHeartbeatAt) <= window
}

// LiveSince is the oldest heartbeat that still counts as live.
func (m *Monitor) LiveSince() time.Time {
	return m.now().Add(-m.window)
}

// SweepStale flips connected nodes whose heartbeat has aged out of the window
// to offline. Draining nodes are left alone.
func (m *Monitor) SweepStale(ctx context.Context) ([]string, error) {
	now := m.now()
	stale, err := m.store.MarkStaleNodesOffline(ctx, now.Add(-m.window), now)
	if err != nil {
		return nil, errors.Wrap(err, "sweep stale nodes")
	}
	ids := make([]string, 0, len(stale))
	for _, node := range stale {
		ids = append(ids, node.ID)
		m.logger.Info().Str("node_id", node.ID).Str("previous", string(node.Status)).Msg("node heartbeat timed out")
		m.notifyConnectionStateChange(ConnectionEvent{
			NodeID:    node.ID,
			Previous:  node.Status,
			Current:   model.NodeStatusOffline,
			Timestamp: now,
		})
	}
	return ids, nil
}

func (m *Monitor) OnConnectionStateChange(handler ConnectionStateChangeHandler) {
	m.handlers.Lock()
	defer m.handlers.Unlock()
	m.handlers.connectionState = append(m.handlers.connectionState, handler)
}

func (m *Monitor) notifyConnectionStateChange(event ConnectionEvent) {
	m.handlers.RLock()
	defer m.handlers.RUnlock()
	for _, handler := range m.handlers.connectionState {
		handler(event)
	}
}

func (m *Monitor) observe(change db.NodeChange) {
	now := m.now()
	reconnected := !isLive(change.Previous, now, m.window) && isLive(change.Current, now, m.window)
	if change.Previous.Status == change.Current.Status && !reconnected {
		return
	}
	m.logger.Debug().
		Str("node_id", change.Current.ID).
		Str("previous", string(change.Previous.Status)).
		Str("current", string(change.Current.Status)).
		Bool("reconnected", reconnected).
		Msg("node status changed")
	m.notifyConnectionStateChange(ConnectionEvent{
		NodeID:      change.Current.ID,
		Previous:    change.Previous.Status,
		Current:     change.Current.Status,
		Reconnected: reconnected,
		Timestamp:   now,
	})
}

// Start launches the stale sweep loop.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return errors.New("heartbeat monitor already running")
	}
	m.stopCh = make(chan struct{})
	m.running = true
	ticker := m.clock.Ticker(m.sweepInterval)
	m.tasks.Add(1)
	go func() {
		defer m.tasks.Done()
		defer ticker.Stop()
		m.sweepLoop(ctx, ticker, m.stopCh)
	}()
	return nil
}

// Stop halts the sweep loop and waits for it or for ctx to expire.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Monitor) sweepLoop(ctx context.Context, ticker *clock.Ticker, stopCh <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if _, err := m.SweepStale(ctx); err != nil {
				m.logger.Error().Err(err).Msg("heartbeat sweep failed")
			}
		}
	}
}

func (m *Monitor) now() time.Time {
	return m.clock.Now().UTC()
}
