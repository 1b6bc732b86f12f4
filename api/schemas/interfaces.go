package schemas

import (
	"context"
	"errors"
)

// ErrNotFound is returned by collaborators when a requested record does not
// exist. Callers map it to a precondition failure (HTTP 404), never a retry.
var ErrNotFound = errors.New("not found")

// Store is the persistence collaborator: sessions, graph snapshots, user
// devices, endpoint records and discovered domains. Implementations filter
// "active" sessions as not-ended and not-errored.
type Store interface {
	// Sessions.
	InitializeSession(ctx context.Context, sessionID, userID, graphID, graphName string) error
	GetActiveSession(ctx context.Context, userID string) (*Session, error)
	// GetActiveDeviceSession returns the active session for the user together
	// with its device count. When mac is non-empty the device must belong to
	// the session, otherwise ErrNotFound is returned. errorAware=false widens
	// the lookup to sessions already marked as errored (delete path).
	GetActiveDeviceSession(ctx context.Context, userID, mac string, errorAware bool) (int, *Session, error)
	UpdateStatus(ctx context.Context, sessionID string, status SessionStatus) error
	SetError(ctx context.Context, sessionID string) error
	SetEnded(ctx context.Context, sessionID string) error

	// Graph snapshots.
	AddGraph(ctx context.Context, sessionID string, snapshot []byte) (string, error)
	SetServiceGraph(ctx context.Context, graphID string, snapshot []byte) error
	GetLastGraph(ctx context.Context, sessionID string) (string, []byte, error)
	DeleteGraphs(ctx context.Context, sessionID string) error

	// User devices.
	AddDevice(ctx context.Context, device *UserDevice) error
	DeleteDevice(ctx context.Context, sessionID, mac string) error
	GetSessionDevices(ctx context.Context, sessionID string) ([]UserDevice, error)

	// Endpoint records.
	GetEndpointRecord(ctx context.Context, dbID string) (*EndPointRecord, error)
	AddEndpointRecord(ctx context.Context, name, domain, recordType, iface string) (string, error)

	// Discovered domains.
	UpsertDomain(ctx context.Context, name, domainType string) (string, error)
	AddDomainInfo(ctx context.Context, info *DomainInfo) error
}

// Orchestrator is the infrastructure-facing controller that realizes graphs
// on physical and virtual resources. All calls carry the configured timeout;
// non-2xx responses surface as typed HTTP errors preserving the status code.
type Orchestrator interface {
	Put(ctx context.Context, graph *Graph) error
	Get(ctx context.Context, graphID string) (*Graph, error)
	Status(ctx context.Context, graphID string) (*GraphStatus, error)
	Delete(ctx context.Context, graphID string) error
}

// TemplateSource resolves immutable graph templates: the per-user profile
// graph, the shared ingress/egress subgraphs, the ISP graph and VNF
// capability templates.
type TemplateSource interface {
	UserProfileGraph(username string) (*Graph, error)
	IngressGraph() (*Graph, error)
	EgressGraph() (*Graph, error)
	ISPGraph() (*Graph, error)
	VNFTemplate(location string) (*VNFTemplate, error)
}
