// Package syncstate owns the per-attempt sync state transitions. Every
// transition is a single guarded update in the store, so concurrent
// reconciliation ticks and backfill resolutions cannot race each other.
package syncstate

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
)

type Store interface {
	MarkPendingBackfill(ctx context.Context, nodeID string, attemptIDs []string, requestID string, now time.Time) (int64, error)
	MarkComplete(ctx context.Context, attemptID string, now time.Time) (int64, error)
	MarkPartial(ctx context.Context, attemptID string, now time.Time) (int64, error)
	MarkRequestPartial(ctx context.Context, requestID string, attemptIDs []string, now time.Time) (int64, error)
	ExpireStalePendingBackfill(ctx context.Context, cutoff, now time.Time) (int64, error)
	FailNodeBackfills(ctx context.Context, nodeID string, now time.Time) (int64, error)
	ResetCompleteToPartial(ctx context.Context, attemptID string, now time.Time) (int64, error)
}

// Machine applies transitions. Updates that match zero rows are not errors;
// the returned count tells the caller how many attempts actually moved.
type Machine struct {
	store Store
	clock clock.Clock
}

func New(store Store, clk clock.Clock) *Machine {
	if clk == nil {
		clk = clock.New()
	}
	return &Machine{store: store, clock: clk}
}

func (m *Machine) now() time.Time {
	return m.clock.Now().UTC()
}

// RequestBackfill moves nodeID's partial attempts to pending_backfill under
// requestID. Ids belonging to other nodes are left untouched.
func (m *Machine) RequestBackfill(ctx context.Context, nodeID string, attemptIDs []string, requestID string) (int64, error) {
	n, err := m.store.MarkPendingBackfill(ctx, nodeID, attemptIDs, requestID, m.now())
	if err != nil {
		return 0, fmt.Errorf("request backfill %s: %w", requestID, err)
	}
	return n, nil
}

func (m *Machine) Complete(ctx context.Context, attemptID string) (int64, error) {
	n, err := m.store.MarkComplete(ctx, attemptID, m.now())
	if err != nil {
		return 0, fmt.Errorf("complete attempt %s: %w", attemptID, err)
	}
	return n, nil
}

// RevertToPartial only applies to attempts currently pending_backfill.
func (m *Machine) RevertToPartial(ctx context.Context, attemptID string) (int64, error) {
	n, err := m.store.MarkPartial(ctx, attemptID, m.now())
	if err != nil {
		return 0, fmt.Errorf("revert attempt %s: %w", attemptID, err)
	}
	return n, nil
}

// RevertRequest reverts attempts still pending under requestID.
func (m *Machine) RevertRequest(ctx context.Context, requestID string, attemptIDs []string) (int64, error) {
	n, err := m.store.MarkRequestPartial(ctx, requestID, attemptIDs, m.now())
	if err != nil {
		return 0, fmt.Errorf("revert request %s: %w", requestID, err)
	}
	return n, nil
}

// ExpireStale reverts pending_backfill attempts requested more than timeout ago.
func (m *Machine) ExpireStale(ctx context.Context, timeout time.Duration) (int64, error) {
	now := m.now()
	n, err := m.store.ExpireStalePendingBackfill(ctx, now.Add(-timeout), now)
	if err != nil {
		return 0, fmt.Errorf("expire stale backfills: %w", err)
	}
	return n, nil
}

func (m *Machine) FailNodeBackfills(ctx context.Context, nodeID string) (int64, error) {
	n, err := m.store.FailNodeBackfills(ctx, nodeID, m.now())
	if err != nil {
		return 0, fmt.Errorf("fail backfills for node %s: %w", nodeID, err)
	}
	return n, nil
}

// ResetToPartial is the administrative resync of a complete attempt.
func (m *Machine) ResetToPartial(ctx context.Context, attemptID string) (int64, error) {
	n, err := m.store.ResetCompleteToPartial(ctx, attemptID, m.now())
	if err != nil {
		return 0, fmt.Errorf("reset attempt %s: %w", attemptID, err)
	}
	return n, nil
}
