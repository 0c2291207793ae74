// Package reconcile drives partial attempts back to complete, on a periodic
// tick and whenever a node reconnects.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/g960059/hivesync/internal/config"
	"github.com/g960059/hivesync/internal/db"
	"github.com/g960059/hivesync/internal/heartbeat"
	"github.com/g960059/hivesync/internal/logging"
	"github.com/g960059/hivesync/internal/model"
	"github.com/g960059/hivesync/internal/observability"
	"github.com/g960059/hivesync/internal/syncstate"
)

type AttemptLister interface {
	ListPartialWithOnlineNodes(ctx context.Context, liveSince time.Time, after *db.AttemptCursor, limit int) ([]model.NodeTaskAttempt, error)
	ListPartialForNode(ctx context.Context, nodeID string, limit int) ([]model.NodeTaskAttempt, error)
}

type Backfiller interface {
	StartBackfill(ctx context.Context, nodeID string, attemptIDs []string) (string, int64, error)
	EvictTracked() int
}

type Liveness interface {
	LiveSince() time.Time
}

type Params struct {
	Store      AttemptLister      // Required
	Machine    *syncstate.Machine // Required
	Backfiller Backfiller         // Required
	Liveness   Liveness           // Required
	Config     config.Config
	Clock      clock.Clock
	Logger     zerolog.Logger
}

// TickReport summarizes one periodic pass.
type TickReport struct {
	Expired   int64
	Evicted   int
	Scanned   int
	Requested int64
	Requests  int
}

type Reconciler struct {
	store      AttemptLister
	machine    *syncstate.Machine
	backfiller Backfiller
	liveness   Liveness
	cfg        config.Config
	clock      clock.Clock
	logger     zerolog.Logger

	reconnects sync.WaitGroup
	tasks      sync.WaitGroup
	stopCh     chan struct{}
	running    bool
	mu         sync.Mutex
}

func NewReconciler(params Params) (*Reconciler, error) {
	if params.Store == nil || params.Machine == nil || params.Backfiller == nil || params.Liveness == nil {
		return nil, errors.New("reconciler requires store, machine, backfiller and liveness")
	}
	clk := params.Clock
	if clk == nil {
		clk = clock.New()
	}
	cfg := params.Config
	defaults := config.DefaultConfig()
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = defaults.ReconcileInterval
	}
	if cfg.BackfillTimeout <= 0 {
		cfg.BackfillTimeout = defaults.BackfillTimeout
	}
	if cfg.ReconcilePageSize <= 0 {
		cfg.ReconcilePageSize = defaults.ReconcilePageSize
	}
	if cfg.MaxBackfillBatch <= 0 {
		cfg.MaxBackfillBatch = defaults.MaxBackfillBatch
	}
	if cfg.MaxPagesPerTick <= 0 {
		cfg.MaxPagesPerTick = defaults.MaxPagesPerTick
	}
	return &Reconciler{
		store:      params.Store,
		machine:    params.Machine,
		backfiller: params.Backfiller,
		liveness:   params.Liveness,
		cfg:        cfg,
		clock:      clk,
		logger:     logging.Component(params.Logger, "reconcile"),
	}, nil
}

// Tick expires abandoned backfills, then pages through partial attempts of
// live nodes and requests backfill for them, at most MaxBackfillBatch per
// node. A store error aborts the tick.
func (r *Reconciler) Tick(ctx context.Context) (report TickReport, err error) {
	ctx, span := observability.StartSpan(ctx, "reconcile.tick")
	defer func() {
		span.SetAttributes(
			attribute.Int64("expired", report.Expired),
			attribute.Int("scanned", report.Scanned),
			attribute.Int64("requested", report.Requested),
		)
		observability.EndSpan(span, err)
	}()

	report.Expired, err = r.machine.ExpireStale(ctx, r.cfg.BackfillTimeout)
	if err != nil {
		return report, err
	}
	report.Evicted = r.backfiller.EvictTracked()

	liveSince := r.liveness.LiveSince()
	perNode := map[string]int{}
	var cursor *db.AttemptCursor
	for page := 0; page < r.cfg.MaxPagesPerTick; page++ {
		attempts, err := r.store.ListPartialWithOnlineNodes(ctx, liveSince, cursor, r.cfg.ReconcilePageSize)
		if err != nil {
			return report, fmt.Errorf("reconcile page %d: %w", page, err)
		}
		report.Scanned += len(attempts)

		order, batches := r.groupByNode(attempts, perNode)
		for _, nodeID := range order {
			n, err := r.start(ctx, nodeID, batches[nodeID])
			if err != nil {
				return report, err
			}
			if n > 0 {
				report.Requested += n
				report.Requests++
			}
		}
		if len(attempts) < r.cfg.ReconcilePageSize {
			break
		}
		last := attempts[len(attempts)-1]
		cursor = &db.AttemptCursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}

	if report.Expired > 0 || report.Requested > 0 {
		r.logger.Info().
			Int64("expired", report.Expired).
			Int("evicted", report.Evicted).
			Int("scanned", report.Scanned).
			Int64("requested", report.Requested).
			Int("requests", report.Requests).
			Msg("reconcile tick")
	}
	return report, nil
}

// groupByNode groups attempts by node in first-seen order. perNode carries
// how many ids each node already got this tick.
func (r *Reconciler) groupByNode(attempts []model.NodeTaskAttempt, perNode map[string]int) ([]string, map[string][]string) {
	order := make([]string, 0)
	batches := map[string][]string{}
	for _, a := range attempts {
		if perNode[a.NodeID] >= r.cfg.MaxBackfillBatch {
			continue
		}
		if _, ok := batches[a.NodeID]; !ok {
			order = append(order, a.NodeID)
		}
		batches[a.NodeID] = append(batches[a.NodeID], a.ID)
		perNode[a.NodeID]++
	}
	return order, batches
}

// start requests backfill for one node. A node deleted since the page was
// read is skipped.
func (r *Reconciler) start(ctx context.Context, nodeID string, ids []string) (int64, error) {
	_, n, err := r.backfiller.StartBackfill(ctx, nodeID, ids)
	if errors.Is(err, db.ErrNotFound) {
		r.logger.Warn().Str("node_id", nodeID).Strs("attempt_ids", ids).Msg("node vanished before backfill")
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("backfill node %s: %w", nodeID, err)
	}
	return n, nil
}

// ReconcileNode requests backfill for one node's newest partial attempts,
// up to MaxBackfillBatch, right away. Anything beyond that waits for a tick.
func (r *Reconciler) ReconcileNode(ctx context.Context, nodeID string) (requested int64, err error) {
	ctx, span := observability.StartSpan(ctx, "reconcile.node", attribute.String("node_id", nodeID))
	defer func() { observability.EndSpan(span, err) }()

	attempts, err := r.store.ListPartialForNode(ctx, nodeID, r.cfg.MaxBackfillBatch)
	if err != nil {
		return 0, fmt.Errorf("reconcile node %s: %w", nodeID, err)
	}
	if len(attempts) == 0 {
		return 0, nil
	}
	ids := make([]string, 0, len(attempts))
	for _, a := range attempts {
		ids = append(ids, a.ID)
	}
	return r.start(ctx, nodeID, ids)
}

// HandleConnectionEvent is registered with the heartbeat monitor. Reconnects
// trigger ReconcileNode on a separate goroutine so heartbeat ingestion never
// waits on it.
func (r *Reconciler) HandleConnectionEvent(event heartbeat.ConnectionEvent) {
	if !event.Reconnected {
		return
	}
	r.reconnects.Add(1)
	go func() {
		defer r.reconnects.Done()
		n, err := r.ReconcileNode(context.Background(), event.NodeID)
		if err != nil {
			r.logger.Error().Err(err).Str("node_id", event.NodeID).Msg("reconcile on reconnect failed")
			return
		}
		r.logger.Info().Str("node_id", event.NodeID).Int64("requested", n).Msg("reconciled reconnected node")
	}()
}

// Wait blocks until in-flight reconnect runs finish.
func (r *Reconciler) Wait() {
	r.reconnects.Wait()
}

// Start launches the periodic tick loop.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return errors.New("reconciler already running")
	}
	r.stopCh = make(chan struct{})
	r.running = true
	ticker := r.clock.Ticker(r.cfg.ReconcileInterval)
	r.tasks.Add(1)
	go func() {
		defer r.tasks.Done()
		defer ticker.Stop()
		r.loop(ctx, ticker, r.stopCh)
	}()
	return nil
}

// Stop halts the tick loop and waits for it, in-flight reconnect runs, or ctx.
func (r *Reconciler) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.tasks.Wait()
		r.reconnects.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reconciler) loop(ctx context.Context, ticker *clock.Ticker, stopCh <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if _, err := r.Tick(ctx); err != nil {
				r.logger.Error().Err(err).Msg("reconcile tick failed")
			}
		}
	}
}
