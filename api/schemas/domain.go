package schemas

// -- Domain Discovery Models --
// Administrative domains announce themselves on a publish/subscribe feed.
// The service layer consumes already-parsed DomainInfo values; the wire
// parsing lives in internal/discovery.

// DomainInfo describes one discovered administrative domain and the
// interfaces it exposes to its neighbors.
type DomainInfo struct {
	ID         string            `json:"id,omitempty"`
	Name       string            `json:"name"`
	Type       string            `json:"type"`
	Interfaces []DomainInterface `json:"interfaces,omitempty"`
}

// DomainInterface is one externally visible interface of a domain.
// Subinterfaces are ignored.
type DomainInterface struct {
	Node       string      `json:"node"`
	Name       string      `json:"name"`
	Type       string      `json:"type,omitempty"`
	Enabled    bool        `json:"enabled"`
	GRE        bool        `json:"gre,omitempty"`
	GRETunnels []GreTunnel `json:"gre_tunnels,omitempty"`
	VLAN       bool        `json:"vlan,omitempty"`
	FreeVLANs  []string    `json:"vlans_free,omitempty"`
	Neighbors  []Neighbor  `json:"neighbors,omitempty"`
}

// Neighbor identifies the remote side of a domain interface.
type Neighbor struct {
	Domain    string `json:"domain"`
	Node      string `json:"node,omitempty"`
	Interface string `json:"interface,omitempty"`
}

// GreTunnel is a GRE tunnel configured on a domain interface.
type GreTunnel struct {
	Name     string `json:"name"`
	LocalIP  string `json:"local_ip,omitempty"`
	RemoteIP string `json:"remote_ip,omitempty"`
	Key      string `json:"key,omitempty"`
}

// GetInterface returns the interface identified by node and name, or nil.
func (d *DomainInfo) GetInterface(node, name string) *DomainInterface {
	for i := range d.Interfaces {
		if d.Interfaces[i].Node == node && d.Interfaces[i].Name == name {
			return &d.Interfaces[i]
		}
	}
	return nil
}
