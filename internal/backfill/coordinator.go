// Package backfill turns partial attempts into outbound resend requests and
// resolves the nodes' responses.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/g960059/hivesync/internal/logging"
	"github.com/g960059/hivesync/internal/model"
	"github.com/g960059/hivesync/internal/observability"
	"github.com/g960059/hivesync/internal/syncstate"
)

const defaultRequestTimeout = 30 * time.Second

var (
	// ErrStaleCorrelation marks a response whose request id was not in the
	// tracker. It is logged, never returned.
	ErrStaleCorrelation = errors.New("backfill request not tracked")
	// ErrNodeMismatch is returned when a node resolves another node's request.
	ErrNodeMismatch = errors.New("backfill request belongs to another node")
)

type Store interface {
	GetNode(ctx context.Context, nodeID string) (model.Node, error)
	ListAttemptsByBackfillRequest(ctx context.Context, requestID string) ([]model.NodeTaskAttempt, error)
}

type Sender interface {
	SendBackfill(ctx context.Context, node model.Node, req model.BackfillRequest, attempts []model.NodeTaskAttempt) error
}

type CoordinatorParams struct {
	Store          Store              // Required
	Machine        *syncstate.Machine // Required
	Sender         Sender             // Required
	Tracker        *Tracker           // Optional: a fresh tracker without TTL
	Clock          clock.Clock        // Optional: defaults to real clock
	RequestTimeout time.Duration
	Logger         zerolog.Logger
}

type Coordinator struct {
	store          Store
	machine        *syncstate.Machine
	sender         Sender
	tracker        *Tracker
	clock          clock.Clock
	requestTimeout time.Duration
	logger         zerolog.Logger

	inflight sync.WaitGroup
}

// Resolution reports what a backfill response changed.
type Resolution struct {
	RequestID string
	Completed int64
	Reverted  int64
	// Recovered is set when the attempt set came from the durable
	// backfill_request_id column instead of the tracker.
	Recovered bool
	// Ignored counts reported ids that were not part of the request.
	Ignored int
}

func NewCoordinator(params CoordinatorParams) (*Coordinator, error) {
	if params.Store == nil || params.Machine == nil || params.Sender == nil {
		return nil, errors.New("backfill coordinator requires store, machine and sender")
	}
	clk := params.Clock
	if clk == nil {
		clk = clock.New()
	}
	tracker := params.Tracker
	if tracker == nil {
		tracker = NewTracker(clk, 0)
	}
	timeout := params.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &Coordinator{
		store:          params.Store,
		machine:        params.Machine,
		sender:         params.Sender,
		tracker:        tracker,
		clock:          clk,
		requestTimeout: timeout,
		logger:         logging.Component(params.Logger, "backfill"),
	}, nil
}

// EvictTracked drops correlation entries older than the tracker TTL.
func (c *Coordinator) EvictTracked() int {
	return c.tracker.Evict()
}

// StartBackfill moves the node's partial attempts among attemptIDs to
// pending_backfill under a fresh request id and sends the request in the
// background. Attempts that were not partial are skipped; when none moved,
// nothing is sent and the returned count is zero.
func (c *Coordinator) StartBackfill(ctx context.Context, nodeID string, attemptIDs []string) (requestID string, transitioned int64, err error) {
	ids := uniqueIDs(attemptIDs)
	if len(ids) == 0 {
		return "", 0, nil
	}
	ctx, span := observability.StartSpan(ctx, "backfill.start",
		attribute.String("node_id", nodeID),
		attribute.Int("attempt_count", len(ids)),
	)
	defer func() { observability.EndSpan(span, err) }()

	node, err := c.store.GetNode(ctx, nodeID)
	if err != nil {
		return "", 0, fmt.Errorf("start backfill: get node %s: %w", nodeID, err)
	}
	requestID = uuid.NewString()
	span.SetAttributes(attribute.String("request_id", requestID))

	transitioned, err = c.machine.RequestBackfill(ctx, nodeID, ids, requestID)
	if err != nil {
		return "", 0, err
	}
	if transitioned == 0 {
		return requestID, 0, nil
	}

	attempts, err := c.store.ListAttemptsByBackfillRequest(ctx, requestID)
	if err != nil {
		return "", 0, fmt.Errorf("start backfill: list request %s: %w", requestID, err)
	}

	req := model.BackfillRequest{
		RequestID:   requestID,
		NodeID:      nodeID,
		AttemptIDs:  attemptIDList(attempts),
		RequestedAt: c.clock.Now().UTC(),
	}
	c.tracker.Put(req)

	c.inflight.Add(1)
	go c.send(context.WithoutCancel(ctx), node, req, attempts)

	c.logger.Info().Str("request_id", requestID).Str("node_id", nodeID).Strs("attempt_ids", req.AttemptIDs).
		Msg("backfill requested")
	return requestID, transitioned, nil
}

func (c *Coordinator) send(ctx context.Context, node model.Node, req model.BackfillRequest, attempts []model.NodeTaskAttempt) {
	defer c.inflight.Done()
	sendCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	err := c.sender.SendBackfill(sendCtx, node, req, attempts)
	if err == nil {
		return
	}
	c.tracker.Drop(req.RequestID)
	if !revertOnSendError(err) {
		c.logger.Warn().Err(err).
			Str("request_id", req.RequestID).
			Str("node_id", req.NodeID).
			Strs("attempt_ids", req.AttemptIDs).
			Msg("backfill rejected by node, attempts stay pending until expiry")
		return
	}
	reverted, revertErr := c.machine.RevertRequest(ctx, req.RequestID, req.AttemptIDs)
	log := c.logger.Warn()
	if revertErr != nil {
		log = c.logger.Error().AnErr("revert_error", revertErr)
	}
	log.Err(err).
		Str("request_id", req.RequestID).
		Str("node_id", req.NodeID).
		Strs("attempt_ids", req.AttemptIDs).
		Int64("reverted", reverted).
		Msg("backfill send failed")
}

type retryable interface {
	Retryable() bool
}

// revertOnSendError reports whether a failed send frees its attempts for the
// next tick. A rejection the node marks as permanent leaves them pending
// until the backfill timeout expires them. Errors that carry no verdict,
// such as a dial failure, revert.
func revertOnSendError(err error) bool {
	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}

// Wait blocks until every in-flight send has returned.
func (c *Coordinator) Wait() {
	c.inflight.Wait()
}

// ResolveBackfill applies a node's response. Delivered attempts complete; the
// rest of the request reverts to partial whether or not the node listed them
// as failed. A response that reports an error and delivered nothing fails all
// of the node's pending backfills. Ids outside the request are ignored and
// counted. Resolving the same request twice is a no-op the second time.
func (c *Coordinator) ResolveBackfill(ctx context.Context, outcome model.BackfillOutcome) (res Resolution, err error) {
	if err := validateOutcome(outcome); err != nil {
		return Resolution{}, err
	}
	res.RequestID = outcome.RequestID
	ctx, span := observability.StartSpan(ctx, "backfill.resolve",
		attribute.String("request_id", outcome.RequestID),
		attribute.String("node_id", outcome.NodeID),
	)
	defer func() { observability.EndSpan(span, err) }()

	ids, recovered, err := c.requestAttempts(ctx, outcome)
	if err != nil {
		return Resolution{}, err
	}
	res.Recovered = recovered
	if len(ids) == 0 {
		return res, nil
	}

	inRequest := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		inRequest[id] = struct{}{}
	}
	ignored := make([]string, 0)
	delivered := make(map[string]struct{}, len(outcome.DeliveredAttemptIDs))
	for _, id := range uniqueIDs(outcome.DeliveredAttemptIDs) {
		if _, ok := inRequest[id]; !ok {
			ignored = append(ignored, id)
			continue
		}
		delivered[id] = struct{}{}
		n, err := c.machine.Complete(ctx, id)
		if err != nil {
			return res, err
		}
		res.Completed += n
	}
	failed := make([]string, 0, len(outcome.FailedAttemptIDs))
	for _, id := range uniqueIDs(outcome.FailedAttemptIDs) {
		if _, ok := inRequest[id]; !ok {
			ignored = append(ignored, id)
			continue
		}
		failed = append(failed, id)
	}
	res.Ignored = len(ignored)

	undelivered := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := delivered[id]; !ok {
			undelivered = append(undelivered, id)
		}
	}
	if len(undelivered) > 0 {
		var n int64
		if len(delivered) == 0 && strings.TrimSpace(outcome.Error) != "" {
			n, err = c.machine.FailNodeBackfills(ctx, outcome.NodeID)
		} else {
			n, err = c.machine.RevertRequest(ctx, outcome.RequestID, undelivered)
		}
		if err != nil {
			return res, err
		}
		res.Reverted = n
	}

	event := c.logger.Info()
	if len(undelivered) > 0 || len(ignored) > 0 {
		event = c.logger.Warn().
			Strs("undelivered_attempt_ids", undelivered).
			Strs("failed_attempt_ids", failed).
			Strs("ignored_attempt_ids", ignored)
	}
	if outcome.Error != "" {
		event = event.Str("node_error", outcome.Error)
	}
	event.Str("request_id", outcome.RequestID).
		Str("node_id", outcome.NodeID).
		Int64("completed", res.Completed).
		Int64("reverted", res.Reverted).
		Bool("recovered", res.Recovered).
		Msg("backfill resolved")
	return res, nil
}

// requestAttempts returns the attempt ids covered by the request, preferring
// the tracker and falling back to the durable request id column.
func (c *Coordinator) requestAttempts(ctx context.Context, outcome model.BackfillOutcome) ([]string, bool, error) {
	if req, ok := c.tracker.Take(outcome.RequestID); ok {
		if req.NodeID != outcome.NodeID {
			c.tracker.Put(req)
			return nil, false, ErrNodeMismatch
		}
		return req.AttemptIDs, false, nil
	}

	c.logger.Warn().Err(ErrStaleCorrelation).
		Str("request_id", outcome.RequestID).
		Str("node_id", outcome.NodeID).
		Msg("recovering backfill request from store")
	attempts, err := c.store.ListAttemptsByBackfillRequest(ctx, outcome.RequestID)
	if err != nil {
		return nil, true, fmt.Errorf("resolve backfill: list request %s: %w", outcome.RequestID, err)
	}
	ids := make([]string, 0, len(attempts))
	for _, a := range attempts {
		if a.NodeID == outcome.NodeID {
			ids = append(ids, a.ID)
		}
	}
	if len(ids) == 0 && len(attempts) > 0 {
		return nil, true, ErrNodeMismatch
	}
	return ids, true, nil
}

func validateOutcome(outcome model.BackfillOutcome) error {
	if _, err := uuid.Parse(strings.TrimSpace(outcome.RequestID)); err != nil {
		return model.Invalid("request_id", "must be a uuid")
	}
	if strings.TrimSpace(outcome.NodeID) == "" {
		return model.Invalid("node_id", "is required")
	}
	delivered := make(map[string]struct{}, len(outcome.DeliveredAttemptIDs))
	for _, id := range uniqueIDs(outcome.DeliveredAttemptIDs) {
		delivered[id] = struct{}{}
	}
	for _, id := range uniqueIDs(outcome.FailedAttemptIDs) {
		if _, ok := delivered[id]; ok {
			return model.Invalid("failed_attempt_ids", fmt.Sprintf("attempt %s is also listed as delivered", id))
		}
	}
	return nil
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func attemptIDList(attempts []model.NodeTaskAttempt) []string {
	out := make([]string, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, a.ID)
	}
	return out
}
