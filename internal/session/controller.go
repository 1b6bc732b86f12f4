// Package session implements the orchestration state machine: one session
// per user tracks the lifecycle of their instantiated service graph through
// initializing, updating, complete, deleted and error. Every mutation
// rebuilds or reloads the graph, runs the transformation pipeline and
// submits the result upstream before any state is committed.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/netgroup-polito/frog4-service-layer/api/schemas"
	"github.com/netgroup-polito/frog4-service-layer/internal/config"
	"github.com/netgroup-polito/frog4-service-layer/internal/endpoint"
	"github.com/netgroup-polito/frog4-service-layer/internal/nffg"
	"github.com/netgroup-polito/frog4-service-layer/internal/orchestrator"
)

// ErrUpstreamNotDeployed signals that a graph this one must stitch to is not
// deployed yet. It marks a sequencing dependency, not a data error: the
// caller retries after the upstream graph is instantiated.
var ErrUpstreamNotDeployed = errors.New("upstream graph not deployed")

// Controller drives session mutations. All collaborators are injected; the
// controller holds no per-session state beyond the user mutexes.
type Controller struct {
	store     schemas.Store
	orch      schemas.Orchestrator
	templates schemas.TemplateSource
	ids       nffg.IDGenerator
	character *endpoint.Characterizer

	roles config.RolesConfig
	sw    config.SwitchConfig
	isp   config.ISPConfig

	log   *zap.Logger
	locks *userLocks
}

// New wires a controller. The endpoint characterizer is built here because
// it shares the store and role table with the controller.
func New(store schemas.Store, orch schemas.Orchestrator, templates schemas.TemplateSource,
	ids nffg.IDGenerator, cfg *config.Config, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		store:     store,
		orch:      orch,
		templates: templates,
		ids:       ids,
		character: endpoint.NewCharacterizer(store, cfg.Roles, cfg.ISP.Enabled, logger),
		roles:     cfg.Roles,
		sw:        cfg.Switch,
		isp:       cfg.ISP,
		log:       logger.Named("session"),
		locks:     newUserLocks(),
	}
}

func (c *Controller) managerOptions() nffg.Options {
	return nffg.Options{
		SwitchNames:       c.sw.Names,
		ControlSwitchName: c.sw.ControlName,
		SwitchTemplate:    c.sw.Template,
	}
}

// Put instantiates the user's service graph, or updates the running one. A
// device MAC, when given, is bound to the ingress endpoint together with
// every device already in the session; a MAC already bound makes the call a
// plain re-submission. Any failure after the session row exists transitions
// it to error; the uncommitted snapshot is discarded.
func (c *Controller) Put(ctx context.Context, user schemas.UserData, mac string) error {
	unlock := c.locks.lock(user.UserID)
	defer unlock()

	profile, err := c.profileGraph(user.Username)
	if err != nil {
		return err
	}

	sess, err := c.store.GetActiveSession(ctx, user.UserID)
	fresh := errors.Is(err, schemas.ErrNotFound)
	if err != nil && !fresh {
		return err
	}

	var (
		sessionID   string
		macs        []string
		knownDevice bool
	)
	if fresh {
		sessionID = c.ids.NewID()
		if err := c.store.InitializeSession(ctx, sessionID, user.UserID, profile.ID, profile.Name); err != nil {
			return err
		}
		c.log.Info("Instantiating service graph",
			zap.String("user", user.Username), zap.String("session_id", sessionID))
	} else {
		sessionID = sess.ID
		if err := c.store.UpdateStatus(ctx, sessionID, schemas.StatusUpdating); err != nil {
			return err
		}
		devices, err := c.store.GetSessionDevices(ctx, sessionID)
		if err != nil {
			return err
		}
		for _, d := range devices {
			macs = append(macs, d.MACAddress)
			if d.MACAddress == mac {
				knownDevice = true
			}
		}
		c.log.Info("Updating service graph",
			zap.String("user", user.Username), zap.String("session_id", sessionID))
	}
	if mac != "" && !knownDevice {
		macs = append(macs, mac)
	}

	if err := c.prepare(ctx, profile, macs); err != nil {
		c.fail(ctx, sessionID, err)
		return err
	}

	if err := c.orch.Put(ctx, profile); err != nil {
		c.fail(ctx, sessionID, err)
		return err
	}

	snapshot, err := schemas.EncodeSnapshot(profile)
	if err != nil {
		c.fail(ctx, sessionID, err)
		return err
	}
	if err := c.persistSnapshot(ctx, sessionID, snapshot, fresh); err != nil {
		c.fail(ctx, sessionID, err)
		return err
	}

	if mac != "" && !knownDevice {
		// bind succeeded, so the ingress endpoint is there
		ep := profile.EndPointsByName(c.roles.UserIngress)[0]
		if err := c.store.AddDevice(ctx, &schemas.UserDevice{
			SessionID:    sessionID,
			MACAddress:   mac,
			EndPointID:   ep.ID,
			EndPointDBID: ep.DBID,
		}); err != nil {
			return err
		}
	}
	return c.store.UpdateStatus(ctx, sessionID, schemas.StatusComplete)
}

// Delete removes one device from the user's session. The last device tears
// the whole deployment down and ends the session; otherwise the graph is
// resubmitted with only the device's rules removed and the session stays
// active.
func (c *Controller) Delete(ctx context.Context, user schemas.UserData, mac string) error {
	unlock := c.locks.lock(user.UserID)
	defer unlock()

	// errored sessions must still be torn down
	count, sess, err := c.store.GetActiveDeviceSession(ctx, user.UserID, mac, false)
	if err != nil {
		return err
	}

	if count <= 1 {
		c.log.Info("Tearing down service graph",
			zap.String("user", user.Username), zap.String("session_id", sess.ID))
		if err := c.orch.Delete(ctx, sess.GraphID); err != nil {
			c.fail(ctx, sess.ID, err)
			return err
		}
		if err := c.store.DeleteGraphs(ctx, sess.ID); err != nil {
			return err
		}
		if mac != "" {
			if err := c.store.DeleteDevice(ctx, sess.ID, mac); err != nil && !errors.Is(err, schemas.ErrNotFound) {
				return err
			}
		}
		if err := c.store.UpdateStatus(ctx, sess.ID, schemas.StatusDeleted); err != nil {
			return err
		}
		return c.store.SetEnded(ctx, sess.ID)
	}

	c.log.Info("Removing device from service graph",
		zap.String("user", user.Username), zap.String("mac", mac))
	if err := c.store.UpdateStatus(ctx, sess.ID, schemas.StatusUpdating); err != nil {
		return err
	}

	graphID, snapshot, err := c.store.GetLastGraph(ctx, sess.ID)
	if err != nil {
		return err
	}
	g, err := schemas.DecodeSnapshot(snapshot)
	if err != nil {
		return err
	}

	ingresses := g.EndPointsByName(c.roles.UserIngress)
	if len(ingresses) == 0 {
		return fmt.Errorf("graph %s has no %q endpoint: %w", g.ID, c.roles.UserIngress, schemas.ErrInvalidReference)
	}
	mgr := nffg.NewManager(g, c.ids, c.managerOptions(), c.log)
	mgr.UnbindDevice(ingresses[0].ID, mac)

	if err := c.orch.Put(ctx, g); err != nil {
		c.fail(ctx, sess.ID, err)
		return err
	}

	newSnapshot, err := schemas.EncodeSnapshot(g)
	if err != nil {
		return err
	}
	if err := c.store.SetServiceGraph(ctx, graphID, newSnapshot); err != nil {
		return err
	}
	if err := c.store.DeleteDevice(ctx, sess.ID, mac); err != nil {
		return err
	}
	return c.store.UpdateStatus(ctx, sess.ID, schemas.StatusComplete)
}

// profileGraph resolves the service graph a username deploys: the ISP user
// gets the shared ISP graph, everyone else their own profile file.
func (c *Controller) profileGraph(username string) (*schemas.Graph, error) {
	if c.isp.Enabled && username == c.isp.Username {
		return c.templates.ISPGraph()
	}
	return c.templates.UserProfileGraph(username)
}

// EnsureISPGraph deploys the shared ISP graph under the ISP identity unless
// an active session already holds it. The discovery feed calls this when a
// domain announces itself, so user graphs have an upstream to stitch to.
func (c *Controller) EnsureISPGraph(ctx context.Context) error {
	if !c.isp.Enabled {
		return nil
	}
	_, err := c.store.GetActiveSession(ctx, c.isp.Username)
	if err == nil {
		return nil
	}
	if !errors.Is(err, schemas.ErrNotFound) {
		return err
	}
	c.log.Info("Deploying ISP graph", zap.String("user", c.isp.Username))
	return c.Put(ctx, schemas.UserData{UserID: c.isp.Username, Username: c.isp.Username}, "")
}

// Get reports the upstream deployment status of the user's active session.
func (c *Controller) Get(ctx context.Context, user schemas.UserData) (*schemas.GraphStatus, error) {
	sess, err := c.store.GetActiveSession(ctx, user.UserID)
	if err != nil {
		return nil, err
	}
	return c.orch.Status(ctx, sess.GraphID)
}

// prepare runs the full transformation pipeline on the graph: splice
// ingress/egress subgraphs (user profiles only), wire the control network,
// stitch to the ISP graph, collapse redundant switches, characterize
// endpoints and bind the device set.
func (c *Controller) prepare(ctx context.Context, g *schemas.Graph, macs []string) error {
	mgr := nffg.NewManager(g, c.ids, c.managerOptions(), c.log)
	isISP := g.Name == c.isp.GraphName

	if !isISP {
		ingress, err := c.templates.IngressGraph()
		if err != nil {
			return err
		}
		if err := mgr.AttachSubgraph(ingress, c.roles.SGUserIngress); err != nil {
			return err
		}
		egress, err := c.templates.EgressGraph()
		if err != nil {
			return err
		}
		if err := mgr.AttachSubgraph(egress, c.roles.SGUserEgress); err != nil {
			return err
		}
	}

	// The control net exits through the control egress; the ISP graph itself
	// exits straight through its own egress instead.
	egressRole := c.roles.ControlEgress
	if isISP {
		egressRole = c.roles.ISPEgress
	}
	vnfs := append([]*schemas.VNF(nil), g.VNFs...)
	for _, vnf := range vnfs {
		if vnf.Template == "" {
			continue
		}
		tmpl, err := c.templates.VNFTemplate(vnf.Template)
		if err != nil {
			return err
		}
		if _, err := mgr.EnsureControlNetwork(vnf, tmpl, egressRole); err != nil {
			return err
		}
	}
	if isISP && mgr.ControlSwitch() != nil {
		if _, err := mgr.ExposeControlIngress(c.roles.ControlIngress); err != nil {
			return err
		}
	}

	if c.isp.Enabled && !isISP {
		if err := c.RemoteConnection(ctx, g); err != nil {
			return err
		}
	}

	if err := mgr.MergeRedundantSwitches(); err != nil {
		return err
	}
	if err := c.character.Characterize(ctx, g); err != nil {
		return err
	}
	return c.bindAll(mgr, g, macs)
}

// RemoteConnection stitches the graph's boundary endpoints to the deployed
// ISP graph: the control egress joins the ISP's control ingress and the user
// egress joins the ISP's ingress. The stitch reference is recomputed on
// every preparation even if one is already recorded, trading a little work
// for never carrying a stale reference.
func (c *Controller) RemoteConnection(ctx context.Context, g *schemas.Graph) error {
	ispSess, err := c.store.GetActiveSession(ctx, c.isp.Username)
	if errors.Is(err, schemas.ErrNotFound) {
		return fmt.Errorf("no active session for ISP user %q: %w", c.isp.Username, ErrUpstreamNotDeployed)
	}
	if err != nil {
		return err
	}

	var remote *schemas.Graph
	pairs := []struct{ localRole, remoteRole string }{
		{c.roles.ControlEgress, c.roles.ControlIngress},
		{c.roles.UserEgress, c.roles.ISPIngress},
	}
	for _, p := range pairs {
		locals := g.EndPointsByName(p.localRole)
		if len(locals) == 0 {
			continue
		}
		if remote == nil {
			remote, err = c.orch.Get(ctx, ispSess.GraphID)
			var httpErr *orchestrator.HTTPError
			if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
				return fmt.Errorf("isp graph %s not found upstream: %w", ispSess.GraphID, ErrUpstreamNotDeployed)
			}
			if err != nil {
				return err
			}
		}
		remotes := remote.EndPointsByName(p.remoteRole)
		if len(remotes) == 0 {
			return fmt.Errorf("isp graph %s has no %q endpoint: %w", ispSess.GraphID, p.remoteRole, ErrUpstreamNotDeployed)
		}
		locals[0].RemoteID = ispSess.GraphID + ":" + remotes[0].ID
		c.log.Debug("Stitched endpoint to ISP graph",
			zap.String("endpoint", locals[0].ID), zap.String("remote", locals[0].RemoteID))
	}
	return nil
}

func (c *Controller) bindAll(mgr *nffg.Manager, g *schemas.Graph, macs []string) error {
	if len(macs) == 0 {
		return nil
	}
	ingresses := g.EndPointsByName(c.roles.UserIngress)
	if len(ingresses) == 0 {
		return fmt.Errorf("graph %s has no %q endpoint to bind devices to: %w",
			g.ID, c.roles.UserIngress, schemas.ErrInvalidReference)
	}
	ep := ingresses[0]

	devices := make([]schemas.UserDevice, 0, len(macs))
	for _, mac := range macs {
		devices = append(devices, schemas.UserDevice{
			MACAddress:   mac,
			EndPointID:   ep.ID,
			EndPointDBID: ep.DBID,
		})
	}
	return mgr.BindDevices(devices)
}

func (c *Controller) persistSnapshot(ctx context.Context, sessionID string, snapshot []byte, fresh bool) error {
	if fresh {
		_, err := c.store.AddGraph(ctx, sessionID, snapshot)
		return err
	}
	graphID, _, err := c.store.GetLastGraph(ctx, sessionID)
	if errors.Is(err, schemas.ErrNotFound) {
		_, err = c.store.AddGraph(ctx, sessionID, snapshot)
		return err
	}
	if err != nil {
		return err
	}
	return c.store.SetServiceGraph(ctx, graphID, snapshot)
}

// fail transitions the session to the terminal error state. The original
// failure is what the caller sees; a failure of the transition itself is
// only logged.
func (c *Controller) fail(ctx context.Context, sessionID string, cause error) {
	c.log.Error("Session failed", zap.String("session_id", sessionID), zap.Error(cause))
	if err := c.store.SetError(ctx, sessionID); err != nil {
		c.log.Error("Failed to mark session as errored",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}
