package connector

import (
	"context"

	"github.com/thrillee/aegisroute/internal/routable"
	"github.com/thrillee/aegisroute/internal/session"
)

// Receipt is what a connector reports for an accepted message.
type Receipt struct {
	ConnectorID string   `json:"connector_id"`
	MessageIDs  []string `json:"message_ids"`
	Segments    int      `json:"segments"`
}

// DeliverHandler receives MO messages arriving on a connector.
type DeliverHandler func(ctx context.Context, r *routable.Routable) error

// Connector hands a frozen Routable over to its protocol.
type Connector interface {
	ID() string
	Type() string
	Config() Config
	Dispatch(ctx context.Context, r *routable.Routable) (Receipt, error)
}

// SessionConnector is a connector with a session lifecycle (smppc).
type SessionConnector interface {
	Connector
	Machine() *session.Machine
	SetDeliverHandler(h DeliverHandler)
}
