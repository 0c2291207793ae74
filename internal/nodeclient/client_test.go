package nodeclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/hivesync/internal/api"
	"github.com/g960059/hivesync/internal/model"
)

func testNode(url string) model.Node {
	return model.Node{ID: uuid.NewString(), Status: model.NodeStatusOnline, PublicURL: &url}
}

func testAttempts(n int) []model.NodeTaskAttempt {
	out := make([]model.NodeTaskAttempt, 0, n)
	shared := uuid.NewString()
	for i := 0; i < n; i++ {
		out = append(out, model.NodeTaskAttempt{
			ID:           uuid.NewString(),
			SharedTaskID: shared,
			Executor:     "claude-code",
			Branch:       "hive/attempt",
		})
	}
	return out
}

func TestSendBackfillPostsRequest(t *testing.T) {
	attempts := testAttempts(2)
	requestID := uuid.NewString()
	var got api.NodeBackfillRequest
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/backfill", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected json content type, got %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := New(Options{HTTPClient: srv.Client()})
	err := client.SendBackfill(context.Background(), testNode(srv.URL+"/"), model.BackfillRequest{RequestID: requestID}, attempts)
	if err != nil {
		t.Fatalf("send backfill: %v", err)
	}
	if got.RequestID != requestID {
		t.Fatalf("expected request id %s, got %s", requestID, got.RequestID)
	}
	if len(got.Attempts) != 2 || got.Attempts[0].ID != attempts[0].ID || got.Attempts[1].SharedTaskID != attempts[1].SharedTaskID {
		t.Fatalf("unexpected attempts payload: %+v", got.Attempts)
	}
	if got.Attempts[0].Executor != "claude-code" || got.Attempts[0].Branch != "hive/attempt" {
		t.Fatalf("expected descriptor fields, got %+v", got.Attempts[0])
	}
}

func TestSendBackfillDecodesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-03-01T00:00:00Z","error":{"code":"E_BUSY","message":"node is busy"}}`)
	}))
	defer srv.Close()

	client := New(Options{HTTPClient: srv.Client()})
	err := client.SendBackfill(context.Background(), testNode(srv.URL), model.BackfillRequest{RequestID: uuid.NewString()}, testAttempts(1))
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %v", err)
	}
	if reqErr.Code != "E_BUSY" || reqErr.StatusCode != http.StatusServiceUnavailable || !reqErr.Retryable() {
		t.Fatalf("unexpected request error %+v", reqErr)
	}
}

func TestSendBackfillRedactsPlainErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, "bad auth header Authorization: Bearer node-secret-token")
	}))
	defer srv.Close()

	client := New(Options{HTTPClient: srv.Client()})
	err := client.SendBackfill(context.Background(), testNode(srv.URL), model.BackfillRequest{RequestID: uuid.NewString()}, testAttempts(1))
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %v", err)
	}
	if reqErr.Code != "HTTP_400" || reqErr.Retryable() {
		t.Fatalf("unexpected request error %+v", reqErr)
	}
	if strings.Contains(reqErr.Message, "node-secret-token") {
		t.Fatalf("secret leaked into error: %q", reqErr.Message)
	}
}

func TestSendBackfillWithoutURL(t *testing.T) {
	client := New(Options{})
	err := client.SendBackfill(context.Background(), model.Node{ID: uuid.NewString()}, model.BackfillRequest{RequestID: uuid.NewString()}, testAttempts(1))
	if !errors.Is(err, ErrNoPublicURL) {
		t.Fatalf("expected ErrNoPublicURL, got %v", err)
	}
}

func TestSendBackfillIsRateLimitedPerNode(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	client := New(Options{HTTPClient: srv.Client(), Rate: 0.001, Burst: 1})
	node := testNode(srv.URL)
	req := model.BackfillRequest{RequestID: uuid.NewString()}
	if err := client.SendBackfill(context.Background(), node, req, testAttempts(1)); err != nil {
		t.Fatalf("first send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := client.SendBackfill(ctx, node, req, testAttempts(1)); err == nil {
		t.Fatalf("expected second send to be throttled")
	}
	if err := client.SendBackfill(context.Background(), testNode(srv.URL), req, testAttempts(1)); err != nil {
		t.Fatalf("other node send: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 delivered calls, got %d", calls.Load())
	}
}

func TestRequestErrorRetryable(t *testing.T) {
	cases := map[int]bool{
		http.StatusTooManyRequests:     true,
		http.StatusRequestTimeout:      true,
		http.StatusBadGateway:          true,
		http.StatusBadRequest:          false,
		http.StatusNotFound:            false,
		http.StatusInternalServerError: true,
	}
	for status, want := range cases {
		if got := (&RequestError{StatusCode: status}).Retryable(); got != want {
			t.Fatalf("status %d: expected retryable=%v", status, want)
		}
	}
}
