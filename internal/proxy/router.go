// Package proxy decides whether a request for a remote attempt is served
// locally or forwarded to the owning node.
//
// Routing trusts the registry status as already fetched by the caller rather
// than re-deriving liveness from the heartbeat window. A node can therefore be
// routed to for up to one sweep interval after it went silent.
package proxy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/g960059/hivesync/internal/model"
)

var (
	ErrNodeOffline = errors.New("node offline")
	ErrNoNodeURL   = errors.New("node has no url configured")
)

type Mode string

const (
	ModeLocal   Mode = "local"
	ModeForward Mode = "forward"
)

type Decision struct {
	Mode     Mode
	NodeURL  string
	NodeID   string
	TargetID string
}

// RouteError carries the node that could not be routed to. It matches
// ErrNodeOffline or ErrNoNodeURL with errors.Is.
type RouteError struct {
	Kind   error
	NodeID string
	Status model.NodeStatus
}

func (e *RouteError) Error() string {
	if e.Kind == ErrNodeOffline {
		return fmt.Sprintf("route to node %s: %v (status %s)", e.NodeID, e.Kind, e.Status)
	}
	return fmt.Sprintf("route to node %s: %v", e.NodeID, e.Kind)
}

func (e *RouteError) Unwrap() error {
	return e.Kind
}

// Route returns a local decision for a nil context. Otherwise the node must be
// exactly online and have a public url.
func Route(remote *model.RemoteAttemptContext) (Decision, error) {
	if remote == nil {
		return Decision{Mode: ModeLocal}, nil
	}
	if remote.NodeStatus != model.NodeStatusOnline {
		return Decision{}, &RouteError{Kind: ErrNodeOffline, NodeID: remote.NodeID, Status: remote.NodeStatus}
	}
	if remote.NodeURL == nil || strings.TrimSpace(*remote.NodeURL) == "" {
		return Decision{}, &RouteError{Kind: ErrNoNodeURL, NodeID: remote.NodeID, Status: remote.NodeStatus}
	}
	return Decision{
		Mode:     ModeForward,
		NodeURL:  strings.TrimSpace(*remote.NodeURL),
		NodeID:   remote.NodeID,
		TargetID: remote.AttemptID,
	}, nil
}
