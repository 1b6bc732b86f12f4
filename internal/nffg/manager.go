// Package nffg implements the graph transformation engine: pure in-memory
// operations on one forwarding graph. None of the operations are
// individually transactional; callers must discard the graph on any failure
// instead of partially applying it.
package nffg

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/netgroup-polito/frog4-service-layer/api/schemas"
)

// DataPortLabel is the label for switch data-plane ports.
const DataPortLabel = "L2Port"

// Options names the switch VNFs the engine recognizes and creates.
type Options struct {
	// SwitchNames lists the VNF names treated as data-plane switches and
	// eligible for merging. The first entry names newly created switches.
	SwitchNames []string
	// ControlSwitchName names the per-graph shared control switch.
	ControlSwitchName string
	// SwitchTemplate is the capability template location for created
	// switches.
	SwitchTemplate string
}

// Manager mutates a single graph. The shared control switch is per-manager
// (and therefore per-session) state, passed in through construction rather
// than living in a process-global.
type Manager struct {
	graph *schemas.Graph
	ids   IDGenerator
	opts  Options
	log   *zap.Logger

	controlSwitch *schemas.VNF
}

// NewManager wraps a graph for mutation. If the graph already contains a
// control switch (e.g. it was reloaded from a snapshot), it is adopted so
// the control network stays shared.
func NewManager(graph *schemas.Graph, ids IDGenerator, opts Options, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		graph: graph,
		ids:   ids,
		opts:  opts,
		log:   logger.Named("nffg"),
	}
	for _, vnf := range graph.VNFs {
		if vnf.Name == opts.ControlSwitchName {
			m.controlSwitch = vnf
			break
		}
	}
	return m
}

// Graph returns the managed graph.
func (m *Manager) Graph() *schemas.Graph { return m.graph }

func (m *Manager) isSwitch(vnf *schemas.VNF) bool {
	for _, name := range m.opts.SwitchNames {
		if vnf.Name == name {
			return true
		}
	}
	return false
}

// -- Node creation helpers --

// CreateEndPoint allocates a new endpoint with the given role.
func (m *Manager) CreateEndPoint(name string) *schemas.EndPoint {
	ep := &schemas.EndPoint{ID: m.ids.NewID(), Name: name}
	m.graph.AddEndPoint(ep)
	return ep
}

func (m *Manager) createSwitchVNF(name string) *schemas.VNF {
	return &schemas.VNF{ID: m.ids.NewID(), Name: name, Template: m.opts.SwitchTemplate}
}

func (m *Manager) createSwitchPort(sw *schemas.VNF) *schemas.Port {
	p := &schemas.Port{ID: sw.NextPortID(DataPortLabel), Name: "auto-generated-port"}
	sw.AddPort(p)
	return p
}

// -- Connection helpers --
// Every connection is a symmetric pair of flow rules, one per direction.

func (m *Manager) connectRefs(ref1, ref2 string, priority int) {
	m.graph.AddFlowRule(&schemas.FlowRule{
		ID:       m.ids.NewID(),
		Priority: priority,
		Match:    schemas.Match{PortIn: ref1},
		Actions:  []schemas.Action{{Output: ref2}},
	})
	m.graph.AddFlowRule(&schemas.FlowRule{
		ID:       m.ids.NewID(),
		Priority: priority,
		Match:    schemas.Match{PortIn: ref2},
		Actions:  []schemas.Action{{Output: ref1}},
	})
}

// ConnectVNFs joins two VNF ports with a symmetric rule pair.
func (m *Manager) ConnectVNFs(vnf1ID, port1ID, vnf2ID, port2ID string, priority int) {
	m.connectRefs(schemas.VNFPortRef(vnf1ID, port1ID), schemas.VNFPortRef(vnf2ID, port2ID), priority)
}

// ConnectVNFToEndPoint joins a VNF port and an endpoint with a symmetric
// rule pair.
func (m *Manager) ConnectVNFToEndPoint(vnfID, portID, endPointID string, priority int) {
	m.connectRefs(schemas.VNFPortRef(vnfID, portID), schemas.EndPointRef(endPointID), priority)
}

// ConnectEndPoints joins two endpoints with a symmetric rule pair.
func (m *Manager) ConnectEndPoints(ep1ID, ep2ID string, priority int) {
	m.connectRefs(schemas.EndPointRef(ep1ID), schemas.EndPointRef(ep2ID), priority)
}

// -- Switch merging --

type mergeCandidate struct {
	a, b         *schemas.VNF
	portA, portB string
	forward      *schemas.FlowRule
	reverse      *schemas.FlowRule
}

// MergeRedundantSwitches repeatedly collapses pairs of switch VNFs connected
// by exactly two opposing unfiltered pass-through rules into a single fresh
// switch, until no such pair remains. Every merge strictly reduces the
// switch count, so the fixed point is always reached.
func (m *Manager) MergeRedundantSwitches() error {
	for {
		cand := m.findMergeCandidate()
		if cand == nil {
			return nil
		}
		if err := m.mergeSwitches(cand); err != nil {
			return err
		}
		m.log.Debug("Merged redundant switch pair",
			zap.String("switch_a", cand.a.ID), zap.String("switch_b", cand.b.ID))
	}
}

func (m *Manager) findMergeCandidate() *mergeCandidate {
	switches := make(map[string]*schemas.VNF)
	for _, vnf := range m.graph.VNFs {
		if m.isSwitch(vnf) {
			switches[vnf.ID] = vnf
		}
	}

	for _, fr := range m.graph.FlowRules {
		if !passThrough(fr) {
			continue
		}
		in, err := schemas.ParseRef(fr.Match.PortIn)
		if err != nil || !in.IsVNF() {
			continue
		}
		out, err := schemas.ParseRef(fr.Actions[0].Output)
		if err != nil || !out.IsVNF() || out.VNF == in.VNF {
			continue
		}
		a, okA := switches[in.VNF]
		b, okB := switches[out.VNF]
		if !okA || !okB {
			continue
		}
		reverse := m.findReverse(fr)
		if reverse == nil {
			continue
		}
		// The connecting ports must carry nothing but this pair.
		if m.refUseCount(fr.Match.PortIn) != 2 || m.refUseCount(fr.Actions[0].Output) != 2 {
			continue
		}
		return &mergeCandidate{a: a, b: b, portA: in.Port, portB: out.Port, forward: fr, reverse: reverse}
	}
	return nil
}

// passThrough reports whether the rule forwards unfiltered traffic to a
// single output.
func passThrough(fr *schemas.FlowRule) bool {
	return len(fr.Actions) == 1 && !fr.Match.HasFilters() &&
		fr.Actions[0].PushVLAN == "" && !fr.Actions[0].PopVLAN
}

func (m *Manager) findReverse(fr *schemas.FlowRule) *schemas.FlowRule {
	for _, other := range m.graph.FlowRules {
		if other.ID == fr.ID || !passThrough(other) {
			continue
		}
		if other.Match.PortIn == fr.Actions[0].Output && other.Actions[0].Output == fr.Match.PortIn {
			return other
		}
	}
	return nil
}

func (m *Manager) refUseCount(ref string) int {
	n := 0
	for _, fr := range m.graph.FlowRules {
		if fr.Match.PortIn == ref {
			n++
		}
		for _, a := range fr.Actions {
			if a.Output == ref {
				n++
			}
		}
	}
	return n
}

// mergeSwitches replaces switches a and b with a fresh switch carrying a
// fresh port for every surviving port of the pair. The full reference
// rewrite set is computed before the graph is touched, so a structural
// problem aborts the merge without a partially renamed node.
func (m *Manager) mergeSwitches(cand *mergeCandidate) error {
	merged := m.createSwitchVNF(m.opts.SwitchNames[0])

	rewrite := make(map[string]string)
	for _, old := range []struct {
		sw       *schemas.VNF
		dropPort string
	}{{cand.a, cand.portA}, {cand.b, cand.portB}} {
		for _, port := range old.sw.Ports {
			if port.ID == old.dropPort {
				continue
			}
			fresh := m.createSwitchPort(merged)
			rewrite[schemas.VNFPortRef(old.sw.ID, port.ID)] = schemas.VNFPortRef(merged.ID, fresh.ID)
		}
	}

	// Sanity check before mutation: every reference into a or b must be
	// covered by the rewrite set or belong to the connecting pair.
	for _, fr := range m.graph.FlowRules {
		if fr.ID == cand.forward.ID || fr.ID == cand.reverse.ID {
			continue
		}
		for _, ref := range ruleRefs(fr) {
			node, err := schemas.ParseRef(ref)
			if err != nil {
				return err
			}
			if !node.IsVNF() || (node.VNF != cand.a.ID && node.VNF != cand.b.ID) {
				continue
			}
			if _, ok := rewrite[ref]; !ok {
				return fmt.Errorf("merge of %s and %s: %w: %q", cand.a.ID, cand.b.ID,
					schemas.ErrInvalidReference, ref)
			}
		}
	}

	m.graph.RemoveFlowRule(cand.forward.ID)
	m.graph.RemoveFlowRule(cand.reverse.ID)
	for _, fr := range m.graph.FlowRules {
		if fresh, ok := rewrite[fr.Match.PortIn]; ok {
			fr.Match.PortIn = fresh
		}
		for i := range fr.Actions {
			if fresh, ok := rewrite[fr.Actions[i].Output]; ok {
				fr.Actions[i].Output = fresh
			}
		}
	}
	m.graph.AddVNF(merged)
	m.graph.RemoveVNF(cand.a.ID)
	m.graph.RemoveVNF(cand.b.ID)
	return nil
}

func ruleRefs(fr *schemas.FlowRule) []string {
	refs := make([]string, 0, 1+len(fr.Actions))
	refs = append(refs, fr.Match.PortIn)
	for _, a := range fr.Actions {
		refs = append(refs, a.Output)
	}
	return refs
}

// -- Control network --

// EnsureControlNetwork gives the VNF a control-plane connection when its
// capability template declares a control-labeled port. The shared control
// switch is created at most once per graph, attached to an endpoint with
// the given role, and reused for every VNF that needs it. Returns the
// allocated control port, or nil when the template declares none or the VNF
// already has one.
func (m *Manager) EnsureControlNetwork(vnf *schemas.VNF, tmpl *schemas.VNFTemplate, egressRole string) (*schemas.Port, error) {
	decl := tmpl.ControlPort()
	if decl == nil {
		return nil, nil
	}
	if vnf.HighestPortIndex(schemas.ControlPortLabel) >= 0 {
		// Already wired into the control network.
		return nil, nil
	}

	port := &schemas.Port{ID: vnf.NextPortID(schemas.ControlPortLabel), Name: "Control port"}
	vnf.AddPort(port)

	if m.controlSwitch == nil {
		m.createControlSwitch(egressRole)
	}
	swPort := m.createSwitchPort(m.controlSwitch)
	m.ConnectVNFs(m.controlSwitch.ID, swPort.ID, vnf.ID, port.ID, schemas.PriorityControl)

	m.log.Debug("Connected VNF to control network",
		zap.String("vnf", vnf.ID), zap.String("port", port.ID))
	return port, nil
}

// ControlSwitch returns the shared control switch, or nil if no VNF needed
// one yet.
func (m *Manager) ControlSwitch() *schemas.VNF { return m.controlSwitch }

func (m *Manager) createControlSwitch(egressRole string) {
	m.controlSwitch = m.createSwitchVNF(m.opts.ControlSwitchName)
	m.graph.AddVNF(m.controlSwitch)

	egressPort := m.createSwitchPort(m.controlSwitch)
	var ep *schemas.EndPoint
	if existing := m.graph.EndPointsByName(egressRole); len(existing) > 0 {
		ep = existing[0]
	} else {
		ep = m.CreateEndPoint(egressRole)
	}
	m.ConnectVNFToEndPoint(m.controlSwitch.ID, egressPort.ID, ep.ID, schemas.PriorityDefault)
}

// ExposeControlIngress adds an extra endpoint with the given role to the
// shared control switch. The ISP graph uses it to accept control traffic
// from user graphs in other domains.
func (m *Manager) ExposeControlIngress(role string) (*schemas.EndPoint, error) {
	if m.controlSwitch == nil {
		return nil, fmt.Errorf("no control switch in graph %s", m.graph.ID)
	}
	port := m.createSwitchPort(m.controlSwitch)
	ep := m.CreateEndPoint(role)
	m.ConnectVNFToEndPoint(m.controlSwitch.ID, port.ID, ep.ID, schemas.PriorityDefault)
	return ep, nil
}

// -- Subgraph attachment --

// AttachSubgraph splices a template graph into this graph at the endpoint
// carrying the given role. The template's nodes and rules are inserted with
// fresh identifiers; its boundary endpoint with the matching role takes the
// place of the local one, inheriting its external database reference, and
// every local rule is rewritten to the surviving endpoint. The full rewrite
// is computed before the graph is touched.
func (m *Manager) AttachSubgraph(template *schemas.Graph, atRole string) error {
	locals := m.graph.EndPointsByName(atRole)
	if len(locals) == 0 {
		return fmt.Errorf("attach %q: no endpoint with role %q: %w", template.Name, atRole, schemas.ErrInvalidReference)
	}
	local := locals[0]

	sub := template.Copy()
	boundaries := sub.EndPointsByName(atRole)
	if len(boundaries) == 0 {
		return fmt.Errorf("attach %q: template has no boundary endpoint %q: %w", template.Name, atRole, schemas.ErrInvalidReference)
	}
	boundary := boundaries[0]

	// Re-identify everything coming from the template so identifiers stay
	// unique within the combined graph.
	rewrite := make(map[string]string)
	for _, vnf := range sub.VNFs {
		fresh := m.ids.NewID()
		for _, port := range vnf.Ports {
			rewrite[schemas.VNFPortRef(vnf.ID, port.ID)] = schemas.VNFPortRef(fresh, port.ID)
		}
		vnf.ID = fresh
	}
	for _, ep := range sub.EndPoints {
		fresh := m.ids.NewID()
		rewrite[schemas.EndPointRef(ep.ID)] = schemas.EndPointRef(fresh)
		ep.ID = fresh
	}
	for _, fr := range sub.FlowRules {
		fr.ID = m.ids.NewID()
		if fresh, ok := rewrite[fr.Match.PortIn]; ok {
			fr.Match.PortIn = fresh
		}
		for i := range fr.Actions {
			if fresh, ok := rewrite[fr.Actions[i].Output]; ok {
				fr.Actions[i].Output = fresh
			}
		}
	}

	// The surviving junction endpoint keeps the local endpoint's external
	// reference.
	boundary.DBID = local.DBID
	boundary.RemoteID = local.RemoteID

	localRef := schemas.EndPointRef(local.ID)
	boundaryRef := schemas.EndPointRef(boundary.ID)
	for _, fr := range m.graph.FlowRules {
		if fr.Match.PortIn == localRef {
			fr.Match.PortIn = boundaryRef
		}
		for i := range fr.Actions {
			if fr.Actions[i].Output == localRef {
				fr.Actions[i].Output = boundaryRef
			}
		}
	}
	m.graph.RemoveEndPoint(local.ID)

	for _, vnf := range sub.VNFs {
		m.graph.AddVNF(vnf)
	}
	for _, ep := range sub.EndPoints {
		m.graph.AddEndPoint(ep)
	}
	for _, fr := range sub.FlowRules {
		m.graph.AddFlowRule(fr)
	}
	return nil
}

// -- Device binding --

// BindDevices rewrites the ingress rule pairs for the endpoints referenced
// by the devices: the generic MAC-agnostic pair is removed and every device
// gets its own elevated-priority pair with source/dest MAC set. Re-running
// with an unchanged device set reproduces an equivalent rule set (same
// matches and actions, fresh identifiers).
func (m *Manager) BindDevices(devices []schemas.UserDevice) error {
	seen := make(map[string]bool)
	var endpointIDs []string
	for _, d := range devices {
		if !seen[d.EndPointID] {
			seen[d.EndPointID] = true
			endpointIDs = append(endpointIDs, d.EndPointID)
		}
	}

	for _, epID := range endpointIDs {
		if m.graph.GetEndPoint(epID) == nil {
			return fmt.Errorf("bind devices: %w: unknown endpoint %q", schemas.ErrInvalidReference, epID)
		}

		fromTemplates := genericRules(m.graph.RulesFromEndPoint(epID), func(fr *schemas.FlowRule) bool {
			return fr.Match.SourceMAC == ""
		})
		toTemplates := genericRules(m.graph.RulesToEndPoint(epID), func(fr *schemas.FlowRule) bool {
			return fr.Match.DestMAC == ""
		})
		for _, fr := range append(fromTemplates, toTemplates...) {
			m.graph.RemoveFlowRule(fr.ID)
		}

		for _, d := range devices {
			if d.EndPointID != epID {
				continue
			}
			for _, tmpl := range fromTemplates {
				clone := cloneRule(tmpl)
				clone.ID = m.ids.NewID()
				clone.Priority = schemas.PriorityDevice
				clone.Match.SourceMAC = d.MACAddress
				m.graph.AddFlowRule(clone)
			}
			for _, tmpl := range toTemplates {
				clone := cloneRule(tmpl)
				clone.ID = m.ids.NewID()
				clone.Priority = schemas.PriorityDevice
				clone.Match.DestMAC = d.MACAddress
				m.graph.AddFlowRule(clone)
			}
		}
	}
	return nil
}

// UnbindDevice removes only the rule pair whose MAC matches the device,
// leaving other devices on the same endpoint untouched.
func (m *Manager) UnbindDevice(endPointID, mac string) {
	m.log.Debug("Deleting flow rules for device",
		zap.String("mac", mac), zap.String("endpoint", endPointID))
	for _, fr := range m.graph.RulesFromEndPoint(endPointID) {
		if fr.Match.SourceMAC == mac {
			m.graph.RemoveFlowRule(fr.ID)
		}
	}
	for _, fr := range m.graph.RulesToEndPoint(endPointID) {
		if fr.Match.DestMAC == mac {
			m.graph.RemoveFlowRule(fr.ID)
		}
	}
}

func genericRules(rules []*schemas.FlowRule, generic func(*schemas.FlowRule) bool) []*schemas.FlowRule {
	var out []*schemas.FlowRule
	for _, fr := range rules {
		if generic(fr) {
			out = append(out, fr)
		}
	}
	return out
}

func cloneRule(fr *schemas.FlowRule) *schemas.FlowRule {
	clone := &schemas.FlowRule{ID: fr.ID, Priority: fr.Priority, Match: fr.Match}
	clone.Actions = append(clone.Actions, fr.Actions...)
	return clone
}

// -- Endpoint bookkeeping --

// EndPointFlowCount returns the number of rules attached to the endpoint in
// either direction.
func (m *Manager) EndPointFlowCount(endPointID string) int {
	return len(m.graph.RulesFromEndPoint(endPointID)) + len(m.graph.RulesToEndPoint(endPointID))
}

// DeleteEndPoint drops the endpoint. Rules referencing it must already be
// gone, otherwise the graph would be corrupted.
func (m *Manager) DeleteEndPoint(endPointID string) error {
	if n := m.EndPointFlowCount(endPointID); n != 0 {
		return fmt.Errorf("endpoint %q still referenced by %d rules: %w", endPointID, n, schemas.ErrInvalidReference)
	}
	m.graph.RemoveEndPoint(endPointID)
	return nil
}
