package schemas

import "time"

// -- Session Models --

// SessionStatus tracks the lifecycle of one user's instantiated graph.
type SessionStatus string

const (
	StatusInitializing SessionStatus = "initializing"
	StatusUpdating     SessionStatus = "updating"
	StatusUpdated      SessionStatus = "updated"
	StatusComplete     SessionStatus = "complete"
	StatusDeleted      SessionStatus = "deleted"
	StatusError        SessionStatus = "error"
)

// Session is the persisted record of one instantiated service graph. A
// session with Ended or Error set is terminal and excluded from active
// session lookups.
type Session struct {
	ID           string        `json:"id"`
	UserID       string        `json:"user_id"`
	GraphID      string        `json:"service_graph_id"`
	GraphName    string        `json:"service_graph_name"`
	Status       SessionStatus `json:"status"`
	StartedAt    time.Time     `json:"started_at"`
	LastUpdate   time.Time     `json:"last_update"`
	Error        *time.Time    `json:"error,omitempty"`
	Ended        *time.Time    `json:"ended,omitempty"`
}

// Active reports whether the session still accepts updates.
func (s *Session) Active() bool { return s.Ended == nil && s.Error == nil }

// UserDevice binds a device MAC to the ingress endpoint it entered through.
// Several devices may share one endpoint (same physical switch port); each
// gets its own rule pair in the graph.
type UserDevice struct {
	SessionID    string `json:"session_id"`
	MACAddress   string `json:"mac_address"`
	EndPointID   string `json:"endpoint_id"`
	EndPointDBID string `json:"endpoint_db_id"`
}

// EndPointRecord is the externally stored characterization of an endpoint
// role: which domain it lives in, the interface it maps to and its type
// (interface, internal, gre...).
type EndPointRecord struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	Domain    string `json:"domain_name"`
	Interface string `json:"interface"`
}

// UserData carries the identity of an authenticated caller through a request.
type UserData struct {
	UserID   string
	Username string
	Tenant   string
}

// GraphStatus is the deployment state reported by the upstream orchestrator.
type GraphStatus struct {
	Status string `json:"status"` // "pending" or "complete"
}
