package schemas

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// -- Core Graph Models --
// These types represent a network-function forwarding graph as it travels
// between the service layer, the database and the upstream orchestrator.

// Flow rule priorities generated by the service layer. Device-specific rules
// must always win over the control network, which in turn wins over the
// generic pass-through pairs.
const (
	PriorityDefault = 200
	PriorityControl = 300
	PriorityDevice  = 1000
)

// Graph is a typed forwarding graph: VNFs and boundary endpoints connected by
// flow rules. One graph is tracked per session.
type Graph struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Domain    string      `json:"domain,omitempty"`
	VNFs      []*VNF      `json:"VNFs"`
	EndPoints []*EndPoint `json:"end-points"`
	FlowRules []*FlowRule `json:"flow-rules"`
}

// VNF is a virtual network function node of the graph.
type VNF struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Template string  `json:"vnf_template"`
	Ports    []*Port `json:"ports"`
}

// Port belongs to a VNF. The ID is always "<label>:<relative-index>", where
// the label groups ports by function (e.g. "L2Port" for the data plane,
// "control" for the control plane).
type Port struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// EndPoint is a graph boundary node: a user attachment point, another domain,
// a captive portal and so on. Name carries the symbolic role; Domain,
// Interface, Type and InternalGroup are filled in by the characterizer from
// the record referenced by DBID.
type EndPoint struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	DBID          string `json:"db_id,omitempty"`
	RemoteID      string `json:"remote_endpoint_id,omitempty"`
	Domain        string `json:"domain,omitempty"`
	Type          string `json:"type,omitempty"`
	Interface     string `json:"interface,omitempty"`
	InternalGroup string `json:"internal_group,omitempty"`
}

// Match selects traffic entering a flow rule. PortIn is mandatory; the other
// fields are optional filters and stay unset ("") when unused.
type Match struct {
	PortIn    string `json:"port_in"`
	SourceMAC string `json:"source_mac,omitempty"`
	DestMAC   string `json:"dest_mac,omitempty"`
	EtherType string `json:"ether_type,omitempty"`
	ARPTarget string `json:"arp_tpa,omitempty"`
	DestIP    string `json:"dest_ip,omitempty"`
}

// HasFilters reports whether the match constrains anything beyond the input
// port. Only unfiltered pass-through pairs are eligible for switch merging.
func (m Match) HasFilters() bool {
	return m.SourceMAC != "" || m.DestMAC != "" || m.EtherType != "" ||
		m.ARPTarget != "" || m.DestIP != ""
}

// Action forwards matched traffic to an output reference, optionally
// manipulating a VLAN tag on the way out.
type Action struct {
	Output   string `json:"output"`
	PushVLAN string `json:"push_vlan,omitempty"`
	PopVLAN  bool   `json:"pop_vlan,omitempty"`
}

// FlowRule is a directed forwarding instruction. Higher priority wins; two
// rules with the same priority for the same input must never coexist in one
// graph.
type FlowRule struct {
	ID       string   `json:"id"`
	Priority int      `json:"priority"`
	Match    Match    `json:"match"`
	Actions  []Action `json:"actions"`
}

// -- Node References --
// Flow rules address graph nodes with string references of the form
// "vnf:<vnf-id>:<port-id>" or "endpoint:<endpoint-id>". Port IDs themselves
// contain a colon, so VNF references split into exactly three parts.

// ErrInvalidReference marks a reference that does not resolve inside the
// graph. This is structural corruption, not a recoverable condition.
var ErrInvalidReference = errors.New("invalid node reference")

const (
	refKindVNF      = "vnf"
	refKindEndPoint = "endpoint"
)

// VNFPortRef builds the flow rule reference for a VNF port.
func VNFPortRef(vnfID, portID string) string {
	return refKindVNF + ":" + vnfID + ":" + portID
}

// EndPointRef builds the flow rule reference for an endpoint.
func EndPointRef(endPointID string) string {
	return refKindEndPoint + ":" + endPointID
}

// NodeRef is a parsed flow rule reference.
type NodeRef struct {
	VNF      string // VNF ID, empty for endpoint references
	Port     string // port ID within the VNF, empty for endpoint references
	EndPoint string // endpoint ID, empty for VNF references
}

// IsVNF reports whether the reference points at a VNF port.
func (r NodeRef) IsVNF() bool { return r.VNF != "" }

// ParseRef parses a "vnf:..." or "endpoint:..." reference.
func ParseRef(ref string) (NodeRef, error) {
	switch {
	case strings.HasPrefix(ref, refKindVNF+":"):
		parts := strings.SplitN(ref, ":", 3)
		if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
			return NodeRef{}, fmt.Errorf("%w: %q", ErrInvalidReference, ref)
		}
		return NodeRef{VNF: parts[1], Port: parts[2]}, nil
	case strings.HasPrefix(ref, refKindEndPoint+":"):
		id := strings.TrimPrefix(ref, refKindEndPoint+":")
		if id == "" {
			return NodeRef{}, fmt.Errorf("%w: %q", ErrInvalidReference, ref)
		}
		return NodeRef{EndPoint: id}, nil
	default:
		return NodeRef{}, fmt.Errorf("%w: %q", ErrInvalidReference, ref)
	}
}

// -- VNF helpers --

// GetPort returns the port with the given ID, or nil.
func (v *VNF) GetPort(id string) *Port {
	for _, p := range v.Ports {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// AddPort appends a port to the VNF.
func (v *VNF) AddPort(p *Port) { v.Ports = append(v.Ports, p) }

// RemovePort drops the port with the given ID, if present.
func (v *VNF) RemovePort(id string) {
	for i, p := range v.Ports {
		if p.ID == id {
			v.Ports = append(v.Ports[:i], v.Ports[i+1:]...)
			return
		}
	}
}

// HighestPortIndex returns the highest relative index currently used for the
// given port label, or -1 when the label is unused.
func (v *VNF) HighestPortIndex(label string) int {
	highest := -1
	for _, p := range v.Ports {
		l, idx, ok := splitPortID(p.ID)
		if ok && l == label && idx > highest {
			highest = idx
		}
	}
	return highest
}

// NextPortID allocates the next free port ID for a label within this VNF.
// This is the sole scheme for generating fresh, collision-free port IDs.
func (v *VNF) NextPortID(label string) string {
	return label + ":" + strconv.Itoa(v.HighestPortIndex(label)+1)
}

func splitPortID(id string) (label string, index int, ok bool) {
	i := strings.LastIndex(id, ":")
	if i <= 0 {
		return "", 0, false
	}
	idx, err := strconv.Atoi(id[i+1:])
	if err != nil {
		return "", 0, false
	}
	return id[:i], idx, true
}

// -- Graph helpers --

// AddVNF appends a VNF to the graph.
func (g *Graph) AddVNF(v *VNF) { g.VNFs = append(g.VNFs, v) }

// AddEndPoint appends an endpoint to the graph.
func (g *Graph) AddEndPoint(ep *EndPoint) { g.EndPoints = append(g.EndPoints, ep) }

// AddFlowRule appends a flow rule to the graph.
func (g *Graph) AddFlowRule(fr *FlowRule) { g.FlowRules = append(g.FlowRules, fr) }

// GetVNF returns the VNF with the given ID, or nil.
func (g *Graph) GetVNF(id string) *VNF {
	for _, v := range g.VNFs {
		if v.ID == id {
			return v
		}
	}
	return nil
}

// GetEndPoint returns the endpoint with the given ID, or nil.
func (g *Graph) GetEndPoint(id string) *EndPoint {
	for _, ep := range g.EndPoints {
		if ep.ID == id {
			return ep
		}
	}
	return nil
}

// EndPointsByName returns every endpoint carrying the given symbolic role.
func (g *Graph) EndPointsByName(name string) []*EndPoint {
	var out []*EndPoint
	for _, ep := range g.EndPoints {
		if ep.Name == name {
			out = append(out, ep)
		}
	}
	return out
}

// RemoveVNF drops the VNF with the given ID. Flow rules referencing it are
// the caller's responsibility.
func (g *Graph) RemoveVNF(id string) {
	for i, v := range g.VNFs {
		if v.ID == id {
			g.VNFs = append(g.VNFs[:i], g.VNFs[i+1:]...)
			return
		}
	}
}

// RemoveEndPoint drops the endpoint with the given ID.
func (g *Graph) RemoveEndPoint(id string) {
	for i, ep := range g.EndPoints {
		if ep.ID == id {
			g.EndPoints = append(g.EndPoints[:i], g.EndPoints[i+1:]...)
			return
		}
	}
}

// RemoveFlowRule drops the flow rule with the given ID.
func (g *Graph) RemoveFlowRule(id string) {
	for i, fr := range g.FlowRules {
		if fr.ID == id {
			g.FlowRules = append(g.FlowRules[:i], g.FlowRules[i+1:]...)
			return
		}
	}
}

// RulesFromEndPoint returns the rules matching traffic entering the graph at
// the endpoint.
func (g *Graph) RulesFromEndPoint(endPointID string) []*FlowRule {
	ref := EndPointRef(endPointID)
	var out []*FlowRule
	for _, fr := range g.FlowRules {
		if fr.Match.PortIn == ref {
			out = append(out, fr)
		}
	}
	return out
}

// RulesToEndPoint returns the rules with at least one action forwarding to
// the endpoint.
func (g *Graph) RulesToEndPoint(endPointID string) []*FlowRule {
	ref := EndPointRef(endPointID)
	var out []*FlowRule
	for _, fr := range g.FlowRules {
		for _, a := range fr.Actions {
			if a.Output == ref {
				out = append(out, fr)
				break
			}
		}
	}
	return out
}

// RulesFromVNF returns the rules matching traffic coming out of any port of
// the VNF.
func (g *Graph) RulesFromVNF(vnfID string) []*FlowRule {
	prefix := refKindVNF + ":" + vnfID + ":"
	var out []*FlowRule
	for _, fr := range g.FlowRules {
		if strings.HasPrefix(fr.Match.PortIn, prefix) {
			out = append(out, fr)
		}
	}
	return out
}

// RulesToVNF returns the rules with at least one action forwarding into any
// port of the VNF.
func (g *Graph) RulesToVNF(vnfID string) []*FlowRule {
	prefix := refKindVNF + ":" + vnfID + ":"
	var out []*FlowRule
	for _, fr := range g.FlowRules {
		for _, a := range fr.Actions {
			if strings.HasPrefix(a.Output, prefix) {
				out = append(out, fr)
				break
			}
		}
	}
	return out
}

// Validate checks reference integrity: every match input and action output
// must resolve to an existing VNF port or endpoint within this graph. A
// failure wraps ErrInvalidReference.
func (g *Graph) Validate() error {
	for _, fr := range g.FlowRules {
		if err := g.checkRef(fr.Match.PortIn); err != nil {
			return fmt.Errorf("flow rule %s match: %w", fr.ID, err)
		}
		if len(fr.Actions) == 0 {
			return fmt.Errorf("flow rule %s: %w: no actions", fr.ID, ErrInvalidReference)
		}
		for _, a := range fr.Actions {
			if err := g.checkRef(a.Output); err != nil {
				return fmt.Errorf("flow rule %s action: %w", fr.ID, err)
			}
		}
	}
	return nil
}

func (g *Graph) checkRef(ref string) error {
	node, err := ParseRef(ref)
	if err != nil {
		return err
	}
	if node.IsVNF() {
		vnf := g.GetVNF(node.VNF)
		if vnf == nil {
			return fmt.Errorf("%w: unknown vnf %q", ErrInvalidReference, node.VNF)
		}
		if vnf.GetPort(node.Port) == nil {
			return fmt.Errorf("%w: unknown port %q on vnf %q", ErrInvalidReference, node.Port, node.VNF)
		}
		return nil
	}
	if g.GetEndPoint(node.EndPoint) == nil {
		return fmt.Errorf("%w: unknown endpoint %q", ErrInvalidReference, node.EndPoint)
	}
	return nil
}

// Copy returns a deep copy of the graph. Requests never share a graph, so
// every mutation cycle starts from its own copy.
func (g *Graph) Copy() *Graph {
	out := &Graph{ID: g.ID, Name: g.Name, Domain: g.Domain}
	for _, v := range g.VNFs {
		vc := &VNF{ID: v.ID, Name: v.Name, Template: v.Template}
		for _, p := range v.Ports {
			pc := *p
			vc.Ports = append(vc.Ports, &pc)
		}
		out.VNFs = append(out.VNFs, vc)
	}
	for _, ep := range g.EndPoints {
		epc := *ep
		out.EndPoints = append(out.EndPoints, &epc)
	}
	for _, fr := range g.FlowRules {
		frc := &FlowRule{ID: fr.ID, Priority: fr.Priority, Match: fr.Match}
		frc.Actions = append(frc.Actions, fr.Actions...)
		out.FlowRules = append(out.FlowRules, frc)
	}
	return out
}
