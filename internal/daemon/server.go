package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/g960059/hivesync/internal/api"
	"github.com/g960059/hivesync/internal/auth"
	"github.com/g960059/hivesync/internal/backfill"
	"github.com/g960059/hivesync/internal/config"
	"github.com/g960059/hivesync/internal/db"
	"github.com/g960059/hivesync/internal/heartbeat"
	"github.com/g960059/hivesync/internal/logging"
	"github.com/g960059/hivesync/internal/model"
	"github.com/g960059/hivesync/internal/proxy"
	"github.com/g960059/hivesync/internal/syncstate"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
	maxBodyBytes     = 1 << 20
)

type Deps struct {
	Store       *db.Store
	Monitor     *heartbeat.Monitor
	Machine     *syncstate.Machine
	Coordinator *backfill.Coordinator
	Resolver    *auth.Resolver
	Clock       clock.Clock
	Logger      zerolog.Logger
}

type Server struct {
	cfg         config.Config
	httpSrv     *http.Server
	listener    net.Listener
	store       *db.Store
	monitor     *heartbeat.Monitor
	machine     *syncstate.Machine
	coordinator *backfill.Coordinator
	resolver    *auth.Resolver
	clock       clock.Clock
	logger      zerolog.Logger
	mu          sync.Mutex
	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg config.Config, deps Deps) *Server {
	mux := http.NewServeMux()
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	s := &Server{
		cfg:         cfg,
		store:       deps.Store,
		monitor:     deps.Monitor,
		machine:     deps.Machine,
		coordinator: deps.Coordinator,
		resolver:    deps.Resolver,
		clock:       clk,
		logger:      logging.Component(deps.Logger, "daemon"),
		httpSrv: &http.Server{
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	mux.HandleFunc("/v1/health", s.healthHandler)
	mux.HandleFunc("/v1/nodes", s.nodesHandler)
	mux.HandleFunc("/v1/nodes/", s.nodeByIDHandler)
	mux.HandleFunc("/v1/attempts", s.attemptsHandler)
	mux.HandleFunc("/v1/attempts/incomplete", s.incompleteAttemptsHandler)
	mux.HandleFunc("/v1/attempts/", s.attemptByIDHandler)
	mux.HandleFunc("/v1/backfill/responses", s.backfillResponsesHandler)
	mux.HandleFunc("/v1/sync/summary", s.syncSummaryHandler)
	s.httpSrv.Handler = s.withRequestLog(mux)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start serves on cfg.ListenAddr until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("http server listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	}
}

// Addr is the bound listen address once Start has run.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

func (s *Server) shutdownTimeout() time.Duration {
	if s.cfg.ShutdownTimeout > 0 {
		return s.cfg.ShutdownTimeout
	}
	return 5 * time.Second
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	s.writeJSON(w, http.StatusOK, api.HealthResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now(),
		Status:        "ok",
	})
}

func (s *Server) nodesHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listNodes(w, r)
	case http.MethodPost:
		s.registerNode(w, r)
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) nodeByIDHandler(w http.ResponseWriter, r *http.Request) {
	parts, ok := s.routeParts(w, r, "/v1/nodes/")
	if !ok {
		return
	}
	nodeID := parts[0]
	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			s.methodNotAllowed(w, http.MethodGet)
			return
		}
		s.getNode(w, r, nodeID)
		return
	}
	if len(parts) != 2 {
		s.writeError(w, http.StatusNotFound, model.ErrCodeNotFound, "node route not found")
		return
	}
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	switch parts[1] {
	case "heartbeat":
		s.recordHeartbeat(w, r, nodeID)
	case "connect":
		s.nodeLifecycle(w, r, nodeID, s.monitor.Connect)
	case "disconnect":
		s.nodeLifecycle(w, r, nodeID, s.monitor.Disconnect)
	case "drain":
		s.nodeLifecycle(w, r, nodeID, s.monitor.Drain)
	case "undrain":
		s.nodeLifecycle(w, r, nodeID, s.monitor.Undrain)
	default:
		s.writeError(w, http.StatusNotFound, model.ErrCodeNotFound, "node route not found")
	}
}

func (s *Server) attemptsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listAttempts(w, r)
	case http.MethodPut:
		s.upsertAttempt(w, r)
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPut)
	}
}

func (s *Server) attemptByIDHandler(w http.ResponseWriter, r *http.Request) {
	parts, ok := s.routeParts(w, r, "/v1/attempts/")
	if !ok {
		return
	}
	attemptID := parts[0]
	switch {
	case len(parts) == 1:
		switch r.Method {
		case http.MethodGet:
			s.getAttempt(w, r, attemptID)
		case http.MethodDelete:
			s.deleteAttempt(w, r, attemptID)
		default:
			s.methodNotAllowed(w, http.MethodGet, http.MethodDelete)
		}
	case len(parts) == 2 && parts[1] == "resync":
		if r.Method != http.MethodPost {
			s.methodNotAllowed(w, http.MethodPost)
			return
		}
		s.resyncAttempt(w, r, attemptID)
	case len(parts) == 2 && parts[1] == "route":
		if r.Method != http.MethodGet {
			s.methodNotAllowed(w, http.MethodGet)
			return
		}
		s.routeAttempt(w, r, attemptID)
	default:
		s.writeError(w, http.StatusNotFound, model.ErrCodeNotFound, "attempt route not found")
	}
}

// routeParts splits the path below prefix into unescaped segments. The first
// segment is always non-empty.
func (s *Server) routeParts(w http.ResponseWriter, r *http.Request, prefix string) ([]string, bool) {
	tail := strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/")
	if tail == "" {
		s.writeError(w, http.StatusNotFound, model.ErrCodeNotFound, "route not found")
		return nil, false
	}
	parts := strings.Split(tail, "/")
	for i, part := range parts {
		unescaped, err := url.PathUnescape(part)
		if err != nil || strings.TrimSpace(unescaped) == "" {
			s.writeError(w, http.StatusBadRequest, model.ErrCodeValidation, "invalid path segment")
			return nil, false
		}
		parts[i] = strings.TrimSpace(unescaped)
	}
	return parts, true
}

// Nodes.

func (s *Server) listNodes(w http.ResponseWriter, r *http.Request) {
	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	nodes, err := s.store.ListNodes(r.Context(), session.OrganizationID)
	if err != nil {
		s.writeStoreError(w, r, err, "list nodes")
		return
	}
	out := make([]api.NodeResponse, 0, len(nodes))
	for _, node := range nodes {
		out = append(out, s.toNodeResponse(node))
	}
	s.writeJSON(w, http.StatusOK, api.NodesEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now(),
		Nodes:         out,
	})
}

func (s *Server) getNode(w http.ResponseWriter, r *http.Request, nodeID string) {
	node, ok := s.authorizeNode(w, r, nodeID, true, false)
	if !ok {
		return
	}
	s.writeNode(w, http.StatusOK, node)
}

func (s *Server) registerNode(w http.ResponseWriter, r *http.Request) {
	key, ok := s.requireNodeKey(w, r)
	if !ok {
		return
	}
	var req api.RegisterNodeRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if org := strings.TrimSpace(req.OrganizationID); org != "" && org != key.OrganizationID {
		s.writeError(w, http.StatusForbidden, model.ErrCodeForbidden, "api key belongs to another organization")
		return
	}
	if key.NodeID != nil {
		bound, err := s.store.GetNode(r.Context(), *key.NodeID)
		if err != nil {
			s.writeStoreError(w, r, err, "get bound node")
			return
		}
		if bound.MachineID != strings.TrimSpace(req.MachineID) {
			s.writeError(w, http.StatusForbidden, model.ErrCodeForbidden, "api key is bound to another machine")
			return
		}
	}
	node, err := s.store.RegisterNode(r.Context(), model.NodeRegistration{
		OrganizationID: key.OrganizationID,
		Name:           req.Name,
		MachineID:      req.MachineID,
		Capabilities:   fromAPICapabilities(req.Capabilities),
		PublicURL:      req.PublicURL,
	}, s.now())
	if err != nil {
		s.writeStoreError(w, r, err, "register node")
		return
	}
	s.logger.Info().Str("node_id", node.ID).Str("machine_id", node.MachineID).Msg("node registered")
	s.writeNode(w, http.StatusOK, node)
}

func (s *Server) recordHeartbeat(w http.ResponseWriter, r *http.Request, nodeID string) {
	if _, ok := s.authorizeNode(w, r, nodeID, false, true); !ok {
		return
	}
	var req api.HeartbeatRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	status, err := model.ParseNodeStatus(req.Status)
	if err != nil {
		s.writeStoreError(w, r, err, "record heartbeat")
		return
	}
	hb := model.HeartbeatPayload{NodeID: nodeID, Status: status}
	if req.Capabilities != nil {
		c := fromAPICapabilities(*req.Capabilities)
		hb.Capabilities = &c
	}
	node, err := s.monitor.RecordHeartbeat(r.Context(), hb)
	if err != nil {
		s.writeStoreError(w, r, err, "record heartbeat")
		return
	}
	s.writeNode(w, http.StatusOK, node)
}

func (s *Server) nodeLifecycle(w http.ResponseWriter, r *http.Request, nodeID string, fn func(context.Context, string) (model.Node, error)) {
	if _, ok := s.authorizeNode(w, r, nodeID, true, true); !ok {
		return
	}
	node, err := fn(r.Context(), nodeID)
	if err != nil {
		s.writeStoreError(w, r, err, "update node")
		return
	}
	s.writeNode(w, http.StatusOK, node)
}

func (s *Server) writeNode(w http.ResponseWriter, status int, node model.Node) {
	s.writeJSON(w, status, api.NodeEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now(),
		Node:          s.toNodeResponse(node),
	})
}

// Attempts.

func (s *Server) upsertAttempt(w http.ResponseWriter, r *http.Request) {
	var req api.UpsertAttemptRequest
	key, ok := s.requireNodeKey(w, r)
	if !ok {
		return
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	if _, ok := s.checkNodeKey(w, r, key, strings.TrimSpace(req.NodeID)); !ok {
		return
	}
	in := model.UpsertAttempt{
		ID:               strings.TrimSpace(req.ID),
		AssignmentID:     req.AssignmentID,
		SharedTaskID:     strings.TrimSpace(req.SharedTaskID),
		NodeID:           strings.TrimSpace(req.NodeID),
		Executor:         req.Executor,
		ExecutorVariant:  req.ExecutorVariant,
		Branch:           req.Branch,
		TargetBranch:     req.TargetBranch,
		ContainerRef:     req.ContainerRef,
		WorktreeDeleted:  req.WorktreeDeleted,
		SetupCompletedAt: req.SetupCompletedAt,
		FullSync:         req.FullSync,
	}
	if req.CreatedAt != nil {
		in.CreatedAt = req.CreatedAt.UTC()
	}
	if req.UpdatedAt != nil {
		in.UpdatedAt = req.UpdatedAt.UTC()
	}
	attempt, err := s.store.UpsertAttempt(r.Context(), in, s.now())
	if err != nil {
		s.writeStoreError(w, r, err, "upsert attempt")
		return
	}
	s.writeJSON(w, http.StatusOK, api.AttemptEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now(),
		Attempt:       toAttemptResponse(attempt),
	})
}

func (s *Server) listAttempts(w http.ResponseWriter, r *http.Request) {
	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	sharedTaskID := strings.TrimSpace(q.Get("shared_task_id"))
	nodeID := strings.TrimSpace(q.Get("node_id"))
	var (
		attempts []model.NodeTaskAttempt
		err      error
	)
	switch {
	case sharedTaskID != "" && nodeID == "":
		attempts, err = s.store.ListAttemptsBySharedTask(r.Context(), sharedTaskID)
	case nodeID != "" && sharedTaskID == "":
		attempts, err = s.store.ListAttemptsByNode(r.Context(), nodeID)
	default:
		s.writeError(w, http.StatusBadRequest, model.ErrCodeValidation, "exactly one of shared_task_id or node_id is required")
		return
	}
	if err != nil {
		s.writeStoreError(w, r, err, "list attempts")
		return
	}
	attempts, err = s.scopeAttempts(r.Context(), session, attempts)
	if err != nil {
		s.writeStoreError(w, r, err, "scope attempts")
		return
	}
	s.writeAttempts(w, attempts, 0, 0)
}

func (s *Server) incompleteAttemptsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	limit, offset, err := parsePage(r.URL.Query())
	if err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeValidation, err.Error())
		return
	}
	attempts, err := s.store.ListIncompleteWithOnlineNodes(r.Context(), s.monitor.LiveSince(), limit, offset)
	if err != nil {
		s.writeStoreError(w, r, err, "list incomplete attempts")
		return
	}
	attempts, err = s.scopeAttempts(r.Context(), session, attempts)
	if err != nil {
		s.writeStoreError(w, r, err, "scope attempts")
		return
	}
	s.writeAttempts(w, attempts, limit, offset)
}

func (s *Server) getAttempt(w http.ResponseWriter, r *http.Request, attemptID string) {
	attempt, ok := s.sessionAttempt(w, r, attemptID)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, api.AttemptEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now(),
		Attempt:       toAttemptResponse(attempt),
	})
}

func (s *Server) deleteAttempt(w http.ResponseWriter, r *http.Request, attemptID string) {
	if _, ok := s.sessionAttempt(w, r, attemptID); !ok {
		return
	}
	if err := s.store.DeleteAttempt(r.Context(), attemptID); err != nil {
		s.writeStoreError(w, r, err, "delete attempt")
		return
	}
	s.logger.Info().Str("attempt_id", attemptID).Msg("attempt deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) resyncAttempt(w http.ResponseWriter, r *http.Request, attemptID string) {
	if _, ok := s.sessionAttempt(w, r, attemptID); !ok {
		return
	}
	n, err := s.machine.ResetToPartial(r.Context(), attemptID)
	if err != nil {
		s.writeStoreError(w, r, err, "resync attempt")
		return
	}
	s.writeJSON(w, http.StatusOK, api.ResyncResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now(),
		AttemptID:     attemptID,
		Reset:         n > 0,
	})
}

func (s *Server) routeAttempt(w http.ResponseWriter, r *http.Request, attemptID string) {
	if _, ok := s.sessionAttempt(w, r, attemptID); !ok {
		return
	}
	remote, err := s.store.GetRemoteAttemptContext(r.Context(), attemptID)
	if err != nil {
		s.writeStoreError(w, r, err, "get remote attempt context")
		return
	}
	decision, err := proxy.Route(&remote)
	if err != nil {
		s.writeStoreError(w, r, err, "route attempt")
		return
	}
	s.writeJSON(w, http.StatusOK, api.RouteResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now(),
		Mode:          string(decision.Mode),
		NodeID:        decision.NodeID,
		NodeURL:       decision.NodeURL,
		TargetID:      decision.TargetID,
	})
}

// sessionAttempt loads an attempt visible to the calling session.
func (s *Server) sessionAttempt(w http.ResponseWriter, r *http.Request, attemptID string) (model.NodeTaskAttempt, bool) {
	session, ok := s.requireSession(w, r)
	if !ok {
		return model.NodeTaskAttempt{}, false
	}
	attempt, err := s.store.GetAttempt(r.Context(), attemptID)
	if err != nil {
		s.writeStoreError(w, r, err, "get attempt")
		return model.NodeTaskAttempt{}, false
	}
	scoped, err := s.scopeAttempts(r.Context(), session, []model.NodeTaskAttempt{attempt})
	if err != nil {
		s.writeStoreError(w, r, err, "scope attempt")
		return model.NodeTaskAttempt{}, false
	}
	if len(scoped) == 0 {
		s.writeError(w, http.StatusNotFound, model.ErrCodeNotFound, "attempt not found")
		return model.NodeTaskAttempt{}, false
	}
	return attempt, true
}

// scopeAttempts drops attempts whose node is outside the session's organization.
func (s *Server) scopeAttempts(ctx context.Context, session auth.Session, attempts []model.NodeTaskAttempt) ([]model.NodeTaskAttempt, error) {
	if session.OrganizationID == "" {
		return attempts, nil
	}
	orgByNode := map[string]string{}
	out := make([]model.NodeTaskAttempt, 0, len(attempts))
	for _, a := range attempts {
		org, ok := orgByNode[a.NodeID]
		if !ok {
			node, err := s.store.GetNode(ctx, a.NodeID)
			if err != nil {
				return nil, err
			}
			org = node.OrganizationID
			orgByNode[a.NodeID] = org
		}
		if session.AllowsOrganization(org) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Server) writeAttempts(w http.ResponseWriter, attempts []model.NodeTaskAttempt, limit, offset int) {
	out := make([]api.AttemptResponse, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, toAttemptResponse(a))
	}
	s.writeJSON(w, http.StatusOK, api.AttemptsEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now(),
		Attempts:      out,
		Limit:         limit,
		Offset:        offset,
	})
}

func parsePage(q url.Values) (int, int, error) {
	limit := defaultPageLimit
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			return 0, 0, errors.New("limit must be a positive integer")
		}
		limit = min(v, maxPageLimit)
	}
	offset := 0
	if raw := strings.TrimSpace(q.Get("offset")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return 0, 0, errors.New("offset must be a non-negative integer")
		}
		offset = v
	}
	return limit, offset, nil
}

// Backfill and sync.

func (s *Server) backfillResponsesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	key, ok := s.requireNodeKey(w, r)
	if !ok {
		return
	}
	var req api.BackfillResponseRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	nodeID := strings.TrimSpace(req.NodeID)
	if key.NodeID != nil {
		if nodeID != "" && nodeID != *key.NodeID {
			s.writeError(w, http.StatusForbidden, model.ErrCodeForbidden, "api key is bound to another node")
			return
		}
		nodeID = *key.NodeID
	}
	if nodeID == "" {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeValidation, "node_id is required for organization keys")
		return
	}
	if _, ok := s.checkNodeKey(w, r, key, nodeID); !ok {
		return
	}
	res, err := s.coordinator.ResolveBackfill(r.Context(), model.BackfillOutcome{
		RequestID:           strings.TrimSpace(req.RequestID),
		NodeID:              nodeID,
		DeliveredAttemptIDs: req.DeliveredAttemptIDs,
		FailedAttemptIDs:    req.FailedAttemptIDs,
		Error:               req.Error,
	})
	if err != nil {
		s.writeStoreError(w, r, err, "resolve backfill")
		return
	}
	s.writeJSON(w, http.StatusOK, api.BackfillResolution{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now(),
		RequestID:     res.RequestID,
		Completed:     res.Completed,
		Reverted:      res.Reverted,
		Recovered:     res.Recovered,
		Ignored:       res.Ignored,
	})
}

func (s *Server) syncSummaryHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	summary, err := s.summaryFor(r.Context(), session)
	if err != nil {
		s.writeStoreError(w, r, err, "sync summary")
		return
	}
	s.writeJSON(w, http.StatusOK, api.SyncSummaryResponse{
		SchemaVersion:   api.SchemaVersion,
		GeneratedAt:     s.now(),
		Partial:         summary.Partial,
		PendingBackfill: summary.PendingBackfill,
		Complete:        summary.Complete,
	})
}

func (s *Server) summaryFor(ctx context.Context, session auth.Session) (model.SyncSummary, error) {
	if session.OrganizationID == "" {
		return s.store.SyncSummary(ctx)
	}
	nodes, err := s.store.ListNodes(ctx, session.OrganizationID)
	if err != nil {
		return model.SyncSummary{}, err
	}
	byNode, err := s.store.SyncSummaryByNode(ctx)
	if err != nil {
		return model.SyncSummary{}, err
	}
	var total model.SyncSummary
	for _, node := range nodes {
		c := byNode[node.ID]
		total.Partial += c.Partial
		total.PendingBackfill += c.PendingBackfill
		total.Complete += c.Complete
	}
	return total, nil
}

// Auth.

func (s *Server) resolve(w http.ResponseWriter, r *http.Request) (auth.Outcome, bool) {
	outcome, err := s.resolver.Resolve(r.Context(), r.Header.Get("Authorization"))
	if err != nil {
		s.writeStoreError(w, r, err, "resolve credentials")
		return nil, false
	}
	if u, ok := outcome.(auth.Unauthenticated); ok {
		s.writeError(w, http.StatusUnauthorized, model.ErrCodeUnauthorized, u.Reason)
		return nil, false
	}
	return outcome, true
}

func (s *Server) requireSession(w http.ResponseWriter, r *http.Request) (auth.Session, bool) {
	outcome, ok := s.resolve(w, r)
	if !ok {
		return auth.Session{}, false
	}
	session, ok := outcome.(auth.Session)
	if !ok {
		s.writeError(w, http.StatusForbidden, model.ErrCodeForbidden, "operator session required")
		return auth.Session{}, false
	}
	return session, true
}

func (s *Server) requireNodeKey(w http.ResponseWriter, r *http.Request) (auth.NodeKey, bool) {
	outcome, ok := s.resolve(w, r)
	if !ok {
		return auth.NodeKey{}, false
	}
	key, ok := outcome.(auth.NodeKey)
	if !ok {
		s.writeError(w, http.StatusForbidden, model.ErrCodeForbidden, "node api key required")
		return auth.NodeKey{}, false
	}
	return key, true
}

// authorizeNode loads nodeID for a caller allowed by the flags. Sessions
// outside the node's organization see a 404.
func (s *Server) authorizeNode(w http.ResponseWriter, r *http.Request, nodeID string, allowSession, allowNodeKey bool) (model.Node, bool) {
	outcome, ok := s.resolve(w, r)
	if !ok {
		return model.Node{}, false
	}
	switch o := outcome.(type) {
	case auth.Session:
		if !allowSession {
			s.writeError(w, http.StatusForbidden, model.ErrCodeForbidden, "node api key required")
			return model.Node{}, false
		}
		node, err := s.store.GetNode(r.Context(), nodeID)
		if err != nil {
			s.writeStoreError(w, r, err, "get node")
			return model.Node{}, false
		}
		if !o.AllowsOrganization(node.OrganizationID) {
			s.writeError(w, http.StatusNotFound, model.ErrCodeNotFound, "node not found")
			return model.Node{}, false
		}
		return node, true
	case auth.NodeKey:
		if !allowNodeKey {
			s.writeError(w, http.StatusForbidden, model.ErrCodeForbidden, "operator session required")
			return model.Node{}, false
		}
		return s.checkNodeKey(w, r, o, nodeID)
	default:
		s.writeError(w, http.StatusUnauthorized, model.ErrCodeUnauthorized, "unknown credential")
		return model.Node{}, false
	}
}

// checkNodeKey verifies the key may act for nodeID.
func (s *Server) checkNodeKey(w http.ResponseWriter, r *http.Request, key auth.NodeKey, nodeID string) (model.Node, bool) {
	if nodeID == "" {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeValidation, "node_id is required")
		return model.Node{}, false
	}
	if !key.AllowsNode(nodeID) {
		s.writeError(w, http.StatusForbidden, model.ErrCodeForbidden, "api key is bound to another node")
		return model.Node{}, false
	}
	node, err := s.store.GetNode(r.Context(), nodeID)
	if err != nil {
		s.writeStoreError(w, r, err, "get node")
		return model.Node{}, false
	}
	if node.OrganizationID != key.OrganizationID {
		s.writeError(w, http.StatusForbidden, model.ErrCodeForbidden, "api key belongs to another organization")
		return model.Node{}, false
	}
	return node, true
}

// Responses.

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeValidation, "invalid json body")
		return false
	}
	return true
}

// writeStoreError maps domain and store errors onto the HTTP error envelope.
func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error, op string) {
	var verr *model.ValidationError
	switch {
	case errors.As(err, &verr):
		s.writeError(w, http.StatusBadRequest, model.ErrCodeValidation, verr.Error())
	case errors.Is(err, db.ErrNotFound):
		s.writeError(w, http.StatusNotFound, model.ErrCodeNotFound, "not found")
	case errors.Is(err, db.ErrDuplicate):
		s.writeError(w, http.StatusConflict, model.ErrCodeConflict, "conflicts with an existing record")
	case errors.Is(err, backfill.ErrNodeMismatch):
		s.writeError(w, http.StatusForbidden, model.ErrCodeForbidden, "backfill request belongs to another node")
	case errors.Is(err, proxy.ErrNodeOffline):
		s.writeError(w, http.StatusBadGateway, model.ErrCodeNodeOffline, err.Error())
	case errors.Is(err, proxy.ErrNoNodeURL):
		s.writeError(w, http.StatusBadGateway, model.ErrCodeNoNodeURL, err.Error())
	default:
		s.logger.Error().Err(err).Str("op", op).Str("path", r.URL.Path).Msg("request failed")
		s.writeError(w, http.StatusInternalServerError, model.ErrCodeDatabase, op+" failed")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	resp := api.ErrorResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now(),
		Error: api.APIError{
			Code:    code,
			Message: msg,
		},
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	s.writeError(w, http.StatusMethodNotAllowed, model.ErrCodeMethodNotAllowed, "method not allowed")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) now() time.Time {
	return s.clock.Now().UTC()
}

func (s *Server) toNodeResponse(node model.Node) api.NodeResponse {
	return api.NodeResponse{
		ID:              node.ID,
		OrganizationID:  node.OrganizationID,
		Name:            node.Name,
		MachineID:       node.MachineID,
		Status:          string(node.Status),
		Live:            s.monitor.IsLive(node),
		Capabilities:    toAPICapabilities(node.Capabilities),
		PublicURL:       node.PublicURL,
		LastHeartbeatAt: formatTimePtr(node.LastHeartbeatAt),
		ConnectedAt:     formatTimePtr(node.ConnectedAt),
		DisconnectedAt:  formatTimePtr(node.DisconnectedAt),
		CreatedAt:       node.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:       node.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func toAttemptResponse(a model.NodeTaskAttempt) api.AttemptResponse {
	return api.AttemptResponse{
		ID:                a.ID,
		AssignmentID:      a.AssignmentID,
		SharedTaskID:      a.SharedTaskID,
		NodeID:            a.NodeID,
		Executor:          a.Executor,
		ExecutorVariant:   a.ExecutorVariant,
		Branch:            a.Branch,
		TargetBranch:      a.TargetBranch,
		ContainerRef:      a.ContainerRef,
		WorktreeDeleted:   a.WorktreeDeleted,
		SetupCompletedAt:  formatTimePtr(a.SetupCompletedAt),
		CreatedAt:         a.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:         a.UpdatedAt.UTC().Format(time.RFC3339Nano),
		SyncState:         string(a.SyncState),
		SyncRequestedAt:   formatTimePtr(a.SyncRequestedAt),
		BackfillRequestID: a.BackfillRequestID,
		LastFullSyncAt:    formatTimePtr(a.LastFullSyncAt),
	}
}

func toAPICapabilities(c model.NodeCapabilities) api.Capabilities {
	return api.Capabilities{
		Executors:          append([]string{}, c.Executors...),
		MaxConcurrentTasks: c.MaxConcurrentTasks,
		OS:                 c.OS,
		Arch:               c.Arch,
		Version:            c.Version,
	}
}

func fromAPICapabilities(c api.Capabilities) model.NodeCapabilities {
	return model.NodeCapabilities{
		Executors:          c.Executors,
		MaxConcurrentTasks: c.MaxConcurrentTasks,
		OS:                 c.OS,
		Arch:               c.Arch,
		Version:            c.Version,
	}
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := t.UTC().Format(time.RFC3339Nano)
	return &v
}
