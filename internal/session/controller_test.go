package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/netgroup-polito/frog4-service-layer/api/schemas"
	"github.com/netgroup-polito/frog4-service-layer/internal/config"
)

// -- Fakes --

type seqIDs struct{ n int }

func (s *seqIDs) NewID() string {
	s.n++
	return fmt.Sprintf("id%03d", s.n)
}

type graphRow struct {
	id       string
	snapshot []byte
}

type fakeStore struct {
	mu        sync.Mutex
	sessions  map[string]*schemas.Session
	statusLog map[string][]schemas.SessionStatus
	graphs    map[string][]graphRow
	devices   map[string][]schemas.UserDevice
	records   map[string]*schemas.EndPointRecord
	nextGraph int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions:  make(map[string]*schemas.Session),
		statusLog: make(map[string][]schemas.SessionStatus),
		graphs:    make(map[string][]graphRow),
		devices:   make(map[string][]schemas.UserDevice),
		records:   make(map[string]*schemas.EndPointRecord),
	}
}

func (f *fakeStore) InitializeSession(_ context.Context, sessionID, userID, graphID, graphName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	f.sessions[sessionID] = &schemas.Session{
		ID: sessionID, UserID: userID, GraphID: graphID, GraphName: graphName,
		Status: schemas.StatusInitializing, StartedAt: now, LastUpdate: now,
	}
	f.statusLog[sessionID] = append(f.statusLog[sessionID], schemas.StatusInitializing)
	return nil
}

func (f *fakeStore) activeSession(userID string, errorAware bool) *schemas.Session {
	for _, s := range f.sessions {
		if s.UserID != userID || s.Ended != nil {
			continue
		}
		if errorAware && s.Error != nil {
			continue
		}
		return s
	}
	return nil
}

func (f *fakeStore) GetActiveSession(_ context.Context, userID string) (*schemas.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s := f.activeSession(userID, true); s != nil {
		out := *s
		return &out, nil
	}
	return nil, schemas.ErrNotFound
}

func (f *fakeStore) GetActiveDeviceSession(_ context.Context, userID, mac string, errorAware bool) (int, *schemas.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.activeSession(userID, errorAware)
	if s == nil {
		return 0, nil, schemas.ErrNotFound
	}
	devices := f.devices[s.ID]
	if mac == "" {
		out := *s
		return len(devices), &out, nil
	}
	for _, d := range devices {
		if d.MACAddress == mac {
			out := *s
			return len(devices), &out, nil
		}
	}
	return 0, nil, schemas.ErrNotFound
}

func (f *fakeStore) UpdateStatus(_ context.Context, sessionID string, status schemas.SessionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[sessionID]; ok && s.Error == nil {
		s.Status = status
		s.LastUpdate = time.Now()
		f.statusLog[sessionID] = append(f.statusLog[sessionID], status)
	}
	return nil
}

func (f *fakeStore) SetError(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[sessionID]; ok && s.Ended == nil && s.Error == nil {
		now := time.Now()
		s.Error = &now
	}
	return nil
}

func (f *fakeStore) SetEnded(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[sessionID]; ok {
		now := time.Now()
		s.Ended = &now
	}
	return nil
}

func (f *fakeStore) AddGraph(_ context.Context, sessionID string, snapshot []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextGraph++
	id := fmt.Sprintf("%d", f.nextGraph)
	f.graphs[sessionID] = append(f.graphs[sessionID], graphRow{id: id, snapshot: snapshot})
	return id, nil
}

func (f *fakeStore) SetServiceGraph(_ context.Context, graphID string, snapshot []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for sessionID, rows := range f.graphs {
		for i := range rows {
			if rows[i].id == graphID {
				f.graphs[sessionID][i].snapshot = snapshot
				return nil
			}
		}
	}
	return schemas.ErrNotFound
}

func (f *fakeStore) GetLastGraph(_ context.Context, sessionID string) (string, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := f.graphs[sessionID]
	if len(rows) == 0 {
		return "", nil, schemas.ErrNotFound
	}
	last := rows[len(rows)-1]
	return last.id, last.snapshot, nil
}

func (f *fakeStore) DeleteGraphs(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.graphs, sessionID)
	return nil
}

func (f *fakeStore) AddDevice(_ context.Context, device *schemas.UserDevice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[device.SessionID] = append(f.devices[device.SessionID], *device)
	return nil
}

func (f *fakeStore) DeleteDevice(_ context.Context, sessionID, mac string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	devices := f.devices[sessionID]
	for i, d := range devices {
		if d.MACAddress == mac {
			f.devices[sessionID] = append(devices[:i:i], devices[i+1:]...)
			return nil
		}
	}
	return schemas.ErrNotFound
}

func (f *fakeStore) GetSessionDevices(_ context.Context, sessionID string) ([]schemas.UserDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]schemas.UserDevice(nil), f.devices[sessionID]...), nil
}

func (f *fakeStore) GetEndpointRecord(_ context.Context, dbID string) (*schemas.EndPointRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[dbID]
	if !ok {
		return nil, schemas.ErrNotFound
	}
	out := *rec
	return &out, nil
}

func (f *fakeStore) AddEndpointRecord(_ context.Context, name, domain, recordType, iface string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := fmt.Sprintf("%d", len(f.records)+1)
	f.records[id] = &schemas.EndPointRecord{ID: id, Name: name, Type: recordType, Domain: domain, Interface: iface}
	return id, nil
}

func (f *fakeStore) UpsertDomain(context.Context, string, string) (string, error) { return "1", nil }
func (f *fakeStore) AddDomainInfo(context.Context, *schemas.DomainInfo) error    { return nil }

var _ schemas.Store = (*fakeStore)(nil)

type fakeOrchestrator struct {
	mu      sync.Mutex
	putErr  error
	puts    []*schemas.Graph
	deleted []string
	graphs  map[string]*schemas.Graph
	status  string
}

func (f *fakeOrchestrator) Put(_ context.Context, g *schemas.Graph) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	f.puts = append(f.puts, g.Copy())
	return nil
}

func (f *fakeOrchestrator) Get(_ context.Context, graphID string) (*schemas.Graph, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.graphs[graphID]
	if !ok {
		return nil, schemas.ErrNotFound
	}
	return g.Copy(), nil
}

func (f *fakeOrchestrator) Status(context.Context, string) (*schemas.GraphStatus, error) {
	if f.status == "" {
		return &schemas.GraphStatus{Status: "pending"}, nil
	}
	return &schemas.GraphStatus{Status: f.status}, nil
}

func (f *fakeOrchestrator) Delete(_ context.Context, graphID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, graphID)
	return nil
}

var _ schemas.Orchestrator = (*fakeOrchestrator)(nil)

type fakeTemplates struct {
	profiles map[string]*schemas.Graph
	ingress  *schemas.Graph
	egress   *schemas.Graph
	isp      *schemas.Graph
	vnfs     map[string]*schemas.VNFTemplate
}

func (f *fakeTemplates) UserProfileGraph(username string) (*schemas.Graph, error) {
	g, ok := f.profiles[username]
	if !ok {
		return nil, fmt.Errorf("no graph for %q: %w", username, schemas.ErrNotFound)
	}
	return g.Copy(), nil
}

func (f *fakeTemplates) IngressGraph() (*schemas.Graph, error) { return f.ingress.Copy(), nil }
func (f *fakeTemplates) EgressGraph() (*schemas.Graph, error)  { return f.egress.Copy(), nil }

func (f *fakeTemplates) ISPGraph() (*schemas.Graph, error) {
	if f.isp == nil {
		return nil, fmt.Errorf("no ISP graph: %w", schemas.ErrNotFound)
	}
	return f.isp.Copy(), nil
}

func (f *fakeTemplates) VNFTemplate(location string) (*schemas.VNFTemplate, error) {
	t, ok := f.vnfs[location]
	if !ok {
		return nil, fmt.Errorf("template %q: %w", location, schemas.ErrNotFound)
	}
	return t, nil
}

var _ schemas.TemplateSource = (*fakeTemplates)(nil)

// -- Fixtures --

func pair(g *schemas.Graph, idPrefix, ref1, ref2 string, priority int) {
	g.AddFlowRule(&schemas.FlowRule{ID: idPrefix + "-a", Priority: priority,
		Match: schemas.Match{PortIn: ref1}, Actions: []schemas.Action{{Output: ref2}}})
	g.AddFlowRule(&schemas.FlowRule{ID: idPrefix + "-b", Priority: priority,
		Match: schemas.Match{PortIn: ref2}, Actions: []schemas.Action{{Output: ref1}}})
}

func testProfileGraph() *schemas.Graph {
	g := &schemas.Graph{ID: "g1", Name: "user-profile"}
	fw := &schemas.VNF{ID: "fw", Name: "firewall", Template: "firewall.json",
		Ports: []*schemas.Port{{ID: "L2Port:0"}, {ID: "L2Port:1"}}}
	g.AddVNF(fw)
	g.AddEndPoint(&schemas.EndPoint{ID: "sgin", Name: "SG_INGRESS"})
	g.AddEndPoint(&schemas.EndPoint{ID: "sgeg", Name: "SG_EGRESS"})
	pair(g, "p1", schemas.EndPointRef("sgin"), schemas.VNFPortRef("fw", "L2Port:0"), schemas.PriorityDefault)
	pair(g, "p2", schemas.VNFPortRef("fw", "L2Port:1"), schemas.EndPointRef("sgeg"), schemas.PriorityDefault)
	return g
}

func testIngressGraph() *schemas.Graph {
	g := &schemas.Graph{ID: "gi", Name: "ingress"}
	g.AddEndPoint(&schemas.EndPoint{ID: "bnd-in", Name: "SG_INGRESS"})
	g.AddEndPoint(&schemas.EndPoint{ID: "user-in", Name: "INGRESS", DBID: "7"})
	pair(g, "i1", schemas.EndPointRef("user-in"), schemas.EndPointRef("bnd-in"), schemas.PriorityDefault)
	return g
}

func testEgressGraph() *schemas.Graph {
	g := &schemas.Graph{ID: "ge", Name: "egress"}
	g.AddEndPoint(&schemas.EndPoint{ID: "bnd-out", Name: "SG_EGRESS"})
	g.AddEndPoint(&schemas.EndPoint{ID: "user-out", Name: "EGRESS", DBID: "9"})
	pair(g, "e1", schemas.EndPointRef("bnd-out"), schemas.EndPointRef("user-out"), schemas.PriorityDefault)
	return g
}

func testISPGraph() *schemas.Graph {
	g := &schemas.Graph{ID: "gisp", Name: "ISP_graph"}
	nat := &schemas.VNF{ID: "nat", Name: "nat", Template: "nat.json",
		Ports: []*schemas.Port{{ID: "User:0"}, {ID: "WAN:0"}}}
	g.AddVNF(nat)
	g.AddEndPoint(&schemas.EndPoint{ID: "users", Name: "ISP_INGRESS", DBID: "3"})
	g.AddEndPoint(&schemas.EndPoint{ID: "wan", Name: "ISP_EGRESS", DBID: "4"})
	pair(g, "s1", schemas.EndPointRef("users"), schemas.VNFPortRef("nat", "User:0"), schemas.PriorityDefault)
	pair(g, "s2", schemas.VNFPortRef("nat", "WAN:0"), schemas.EndPointRef("wan"), schemas.PriorityDefault)
	return g
}

func testConfig(ispEnabled bool) *config.Config {
	return &config.Config{
		Roles: config.RolesConfig{
			UserIngress:       "INGRESS",
			RemoteUserIngress: "REMOTE_INGRESS",
			UserEgress:        "EGRESS",
			ISPIngress:        "ISP_INGRESS",
			ISPEgress:         "ISP_EGRESS",
			ControlIngress:    "CONTROL_INGRESS",
			ControlEgress:     "CONTROL_EGRESS",
			CaptivePortal:     "CP_CONTROL",
			SGUserIngress:     "SG_INGRESS",
			SGUserEgress:      "SG_EGRESS",
			EgressType:        "interface",
			EgressPort:        "eth1",
		},
		Switch: config.SwitchConfig{
			Names:       []string{"switch"},
			ControlName: "control-switch",
			Template:    "switch.json",
		},
		ISP: config.ISPConfig{Enabled: ispEnabled, Username: "isp", GraphName: "ISP_graph"},
	}
}

type testEnv struct {
	store     *fakeStore
	orch      *fakeOrchestrator
	templates *fakeTemplates
	ctrl      *Controller
}

func newTestEnv(t *testing.T, ispEnabled bool) *testEnv {
	t.Helper()
	store := newFakeStore()
	store.records["3"] = &schemas.EndPointRecord{ID: "3", Name: "ISP_INGRESS", Type: "internal", Interface: "isp-users"}
	store.records["4"] = &schemas.EndPointRecord{ID: "4", Name: "ISP_EGRESS", Type: "interface", Domain: "core", Interface: "eth9"}
	store.records["7"] = &schemas.EndPointRecord{ID: "7", Name: "INGRESS", Type: "interface", Domain: "edge", Interface: "eth2"}
	store.records["9"] = &schemas.EndPointRecord{ID: "9", Name: "EGRESS", Type: "interface", Domain: "core", Interface: "eth3"}

	orch := &fakeOrchestrator{graphs: make(map[string]*schemas.Graph)}
	tmpls := &fakeTemplates{
		profiles: map[string]*schemas.Graph{"alice": testProfileGraph()},
		ingress:  testIngressGraph(),
		egress:   testEgressGraph(),
		isp:      testISPGraph(),
		vnfs: map[string]*schemas.VNFTemplate{
			"firewall.json": {Name: "firewall", Ports: []schemas.TemplatePort{{Label: "L2Port", Min: 1, Max: 4}}},
			"switch.json":   {Name: "switch", Ports: []schemas.TemplatePort{{Label: "L2Port", Min: 1, Max: 64}}},
			"nat.json": {Name: "nat", Ports: []schemas.TemplatePort{
				{Label: "User", Min: 1, Max: 1}, {Label: "WAN", Min: 1, Max: 1}, {Label: "control", Min: 0, Max: 1}}},
		},
	}
	return &testEnv{
		store:     store,
		orch:      orch,
		templates: tmpls,
		ctrl:      New(store, orch, tmpls, &seqIDs{}, testConfig(ispEnabled), zap.NewNop()),
	}
}

func alice() schemas.UserData { return schemas.UserData{UserID: "u1", Username: "alice"} }

func deviceRules(t *testing.T, snapshot []byte) []*schemas.FlowRule {
	t.Helper()
	g, err := schemas.DecodeSnapshot(snapshot)
	require.NoError(t, err)
	var out []*schemas.FlowRule
	for _, fr := range g.FlowRules {
		if fr.Priority == schemas.PriorityDevice {
			out = append(out, fr)
		}
	}
	return out
}

// -- Tests --

func TestPutLifecycle(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, false)

	require.NoError(t, env.ctrl.Put(ctx, alice(), "aa:bb:cc:dd:ee:01"))

	require.Len(t, env.store.sessions, 1)
	var sessionID string
	for id := range env.store.sessions {
		sessionID = id
	}
	assert.Equal(t,
		[]schemas.SessionStatus{schemas.StatusInitializing, schemas.StatusComplete},
		env.store.statusLog[sessionID])

	require.Len(t, env.store.graphs[sessionID], 1)
	rules := deviceRules(t, env.store.graphs[sessionID][0].snapshot)
	assert.Len(t, rules, 2, "one outbound and one inbound rule for the device")
	require.Len(t, env.store.devices[sessionID], 1)
	assert.Equal(t, "7", env.store.devices[sessionID][0].EndPointDBID)

	// A second put for the same user reuses the session and passes through
	// updating.
	require.NoError(t, env.ctrl.Put(ctx, alice(), "aa:bb:cc:dd:ee:02"))

	require.Len(t, env.store.sessions, 1, "no second session row")
	assert.Equal(t,
		[]schemas.SessionStatus{schemas.StatusInitializing, schemas.StatusComplete,
			schemas.StatusUpdating, schemas.StatusComplete},
		env.store.statusLog[sessionID])

	require.Len(t, env.store.graphs[sessionID], 1, "snapshot overwritten, not appended")
	rules = deviceRules(t, env.store.graphs[sessionID][0].snapshot)
	assert.Len(t, rules, 4)
	macs := map[string]bool{}
	for _, fr := range rules {
		macs[fr.Match.SourceMAC+fr.Match.DestMAC] = true
	}
	assert.True(t, macs["aa:bb:cc:dd:ee:01"] && macs["aa:bb:cc:dd:ee:02"])
	assert.Len(t, env.store.devices[sessionID], 2)
}

func TestPutRebindsKnownDeviceWithoutDuplicates(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, false)

	require.NoError(t, env.ctrl.Put(ctx, alice(), "aa:bb:cc:dd:ee:01"))
	require.NoError(t, env.ctrl.Put(ctx, alice(), "aa:bb:cc:dd:ee:01"))

	var sessionID string
	for id := range env.store.sessions {
		sessionID = id
	}
	assert.Len(t, env.store.devices[sessionID], 1, "re-submission adds no duplicate device")
	rules := deviceRules(t, env.store.graphs[sessionID][0].snapshot)
	assert.Len(t, rules, 2)
}

func TestPutFailureRollback(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, false)
	env.orch.putErr = errors.New("orchestrator unavailable")

	err := env.ctrl.Put(ctx, alice(), "aa:bb:cc:dd:ee:01")
	require.Error(t, err)

	require.Len(t, env.store.sessions, 1)
	for id, sess := range env.store.sessions {
		assert.NotNil(t, sess.Error, "session transitioned to error")
		assert.Empty(t, env.store.graphs[id], "no snapshot row persisted")
		assert.Empty(t, env.store.devices[id])
	}
}

func TestPutUnknownUser(t *testing.T) {
	env := newTestEnv(t, false)

	err := env.ctrl.Put(context.Background(), schemas.UserData{UserID: "u9", Username: "mallory"}, "")
	assert.ErrorIs(t, err, schemas.ErrNotFound)
	assert.Empty(t, env.store.sessions, "no session row for a user without a profile")
}

func TestDeleteLastDevice(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, false)
	require.NoError(t, env.ctrl.Put(ctx, alice(), "aa:bb:cc:dd:ee:01"))

	require.NoError(t, env.ctrl.Delete(ctx, alice(), "aa:bb:cc:dd:ee:01"))

	assert.Equal(t, []string{"g1"}, env.orch.deleted)
	for id, sess := range env.store.sessions {
		assert.NotNil(t, sess.Ended)
		assert.Equal(t, schemas.StatusDeleted, sess.Status)
		assert.Empty(t, env.store.graphs[id])
		assert.Empty(t, env.store.devices[id])
	}
}

func TestDeletePartial(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, false)
	require.NoError(t, env.ctrl.Put(ctx, alice(), "aa:bb:cc:dd:ee:01"))
	require.NoError(t, env.ctrl.Put(ctx, alice(), "aa:bb:cc:dd:ee:02"))

	require.NoError(t, env.ctrl.Delete(ctx, alice(), "aa:bb:cc:dd:ee:01"))

	assert.Empty(t, env.orch.deleted, "no teardown while devices remain")
	for id, sess := range env.store.sessions {
		assert.Nil(t, sess.Ended, "session stays active")
		assert.Nil(t, sess.Error)

		require.Len(t, env.store.devices[id], 1)
		assert.Equal(t, "aa:bb:cc:dd:ee:02", env.store.devices[id][0].MACAddress)

		require.Len(t, env.store.graphs[id], 1)
		rules := deviceRules(t, env.store.graphs[id][0].snapshot)
		require.Len(t, rules, 2, "only the remaining device keeps its rule pair")
		for _, fr := range rules {
			mac := fr.Match.SourceMAC + fr.Match.DestMAC
			assert.Equal(t, "aa:bb:cc:dd:ee:02", mac)
		}
	}
}

func TestDeleteUnknownDevice(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, false)
	require.NoError(t, env.ctrl.Put(ctx, alice(), "aa:bb:cc:dd:ee:01"))

	err := env.ctrl.Delete(ctx, alice(), "ff:ff:ff:ff:ff:ff")
	assert.ErrorIs(t, err, schemas.ErrNotFound)
}

func TestGetReportsUpstreamStatus(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, false)
	require.NoError(t, env.ctrl.Put(ctx, alice(), "aa:bb:cc:dd:ee:01"))
	env.orch.status = "complete"

	status, err := env.ctrl.Get(ctx, alice())
	require.NoError(t, err)
	assert.Equal(t, "complete", status.Status)

	_, err = env.ctrl.Get(ctx, schemas.UserData{UserID: "u9"})
	assert.ErrorIs(t, err, schemas.ErrNotFound)
}

func TestRemoteConnection(t *testing.T) {
	ctx := context.Background()

	t.Run("records the remote stitch reference on boundary endpoints", func(t *testing.T) {
		env := newTestEnv(t, true)

		// Deployed ISP graph with its two ingress roles.
		require.NoError(t, env.store.InitializeSession(ctx, "isp-sess", "isp", "ispg", "ISP_graph"))
		ispGraph := &schemas.Graph{ID: "ispg", Name: "ISP_graph"}
		ispGraph.AddEndPoint(&schemas.EndPoint{ID: "ctrl-in", Name: "CONTROL_INGRESS"})
		ispGraph.AddEndPoint(&schemas.EndPoint{ID: "isp-in", Name: "ISP_INGRESS"})
		env.orch.graphs["ispg"] = ispGraph

		g := &schemas.Graph{ID: "g2"}
		g.AddEndPoint(&schemas.EndPoint{ID: "ceg", Name: "CONTROL_EGRESS"})
		g.AddEndPoint(&schemas.EndPoint{ID: "ueg", Name: "EGRESS"})

		require.NoError(t, env.ctrl.RemoteConnection(ctx, g))
		assert.Equal(t, "ispg:ctrl-in", g.GetEndPoint("ceg").RemoteID)
		assert.Equal(t, "ispg:isp-in", g.GetEndPoint("ueg").RemoteID)
	})

	t.Run("missing ISP session is a sequencing error", func(t *testing.T) {
		env := newTestEnv(t, true)

		g := &schemas.Graph{ID: "g2"}
		g.AddEndPoint(&schemas.EndPoint{ID: "ceg", Name: "CONTROL_EGRESS"})

		err := env.ctrl.RemoteConnection(ctx, g)
		assert.ErrorIs(t, err, ErrUpstreamNotDeployed)
	})

	t.Run("remote graph without the role is a sequencing error", func(t *testing.T) {
		env := newTestEnv(t, true)
		require.NoError(t, env.store.InitializeSession(ctx, "isp-sess", "isp", "ispg", "ISP_graph"))
		env.orch.graphs["ispg"] = &schemas.Graph{ID: "ispg", Name: "ISP_graph"}

		g := &schemas.Graph{ID: "g2"}
		g.AddEndPoint(&schemas.EndPoint{ID: "ceg", Name: "CONTROL_EGRESS"})

		err := env.ctrl.RemoteConnection(ctx, g)
		assert.ErrorIs(t, err, ErrUpstreamNotDeployed)
	})
}

func TestEnsureISPGraph(t *testing.T) {
	ctx := context.Background()

	t.Run("no-op while ISP stitching is disabled", func(t *testing.T) {
		env := newTestEnv(t, false)
		require.NoError(t, env.ctrl.EnsureISPGraph(ctx))
		assert.Empty(t, env.store.sessions)
		assert.Empty(t, env.orch.puts)
	})

	t.Run("deploys the ISP graph under the ISP identity", func(t *testing.T) {
		env := newTestEnv(t, true)

		require.NoError(t, env.ctrl.EnsureISPGraph(ctx))

		sess := env.store.activeSession("isp", true)
		require.NotNil(t, sess)
		assert.Equal(t, schemas.StatusComplete, sess.Status)
		assert.Empty(t, env.store.devices[sess.ID], "the ISP graph carries no user devices")

		require.Len(t, env.orch.puts, 1)
		g := env.orch.puts[0]
		require.NoError(t, g.Validate())
		assert.Equal(t, "ISP_graph", g.Name)

		// The control switch grew out of the NAT's control port and exposes a
		// control ingress for user graphs in other domains.
		var controlSwitch *schemas.VNF
		for _, v := range g.VNFs {
			if v.Name == "control-switch" {
				controlSwitch = v
			}
		}
		require.NotNil(t, controlSwitch)
		require.Len(t, g.EndPointsByName("CONTROL_INGRESS"), 1)
		assert.Equal(t, "internal", g.EndPointsByName("CONTROL_INGRESS")[0].Type)

		users := g.EndPointsByName("ISP_INGRESS")[0]
		assert.Equal(t, "isp-users", users.InternalGroup)
	})

	t.Run("an active ISP session makes redeployment a no-op", func(t *testing.T) {
		env := newTestEnv(t, true)
		require.NoError(t, env.ctrl.EnsureISPGraph(ctx))
		require.NoError(t, env.ctrl.EnsureISPGraph(ctx))
		assert.Len(t, env.orch.puts, 1, "no second upstream submission")
	})

	t.Run("user graphs stitch to the deployed ISP graph", func(t *testing.T) {
		env := newTestEnv(t, true)
		require.NoError(t, env.ctrl.EnsureISPGraph(ctx))
		env.orch.graphs["gisp"] = env.orch.puts[0]

		require.NoError(t, env.ctrl.Put(ctx, alice(), "aa:bb:cc:dd:ee:01"))

		require.Len(t, env.orch.puts, 2)
		g := env.orch.puts[1]
		egress := g.EndPointsByName("EGRESS")
		require.Len(t, egress, 1)
		assert.Equal(t, "gisp:users", egress[0].RemoteID)
	})
}

func TestPreparedGraphShape(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, false)
	require.NoError(t, env.ctrl.Put(ctx, alice(), "aa:bb:cc:dd:ee:01"))

	require.Len(t, env.orch.puts, 1)
	g := env.orch.puts[0]
	require.NoError(t, g.Validate())

	// The splice junctions replaced the profile's boundary endpoints: one
	// junction per role, characterized as internal.
	require.Len(t, g.EndPointsByName("SG_INGRESS"), 1)
	require.Len(t, g.EndPointsByName("SG_EGRESS"), 1)
	assert.Equal(t, "internal", g.EndPointsByName("SG_INGRESS")[0].Type)
	require.Len(t, g.EndPointsByName("INGRESS"), 1)
	require.Len(t, g.EndPointsByName("EGRESS"), 1)

	// Characterization copied the stored records.
	in := g.EndPointsByName("INGRESS")[0]
	assert.Equal(t, "interface", in.Type)
	assert.Equal(t, "edge", in.Domain)
	assert.Equal(t, "eth2", in.Interface)

	for _, id := range []string{"sgin", "sgeg"} {
		assert.Nil(t, g.GetEndPoint(id), "profile boundary endpoint %s removed", id)
	}
	for _, fr := range g.FlowRules {
		assert.False(t, strings.Contains(fr.Match.PortIn, "sgin") || strings.Contains(fr.Match.PortIn, "sgeg"),
			"no rule still references a removed boundary endpoint")
	}
}
