// Package endpoint resolves the symbolic role of every graph endpoint to the
// concrete domain/interface attributes stored in the database. This is a
// pure annotation step: it never changes graph topology.
package endpoint

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/netgroup-polito/frog4-service-layer/api/schemas"
	"github.com/netgroup-polito/frog4-service-layer/internal/config"
)

// ErrEndpointRecordMissing signals that an endpoint whose role requires a
// backing database record has none. This is a hard precondition failure and
// is never retried.
var ErrEndpointRecordMissing = errors.New("endpoint record missing")

// RecordSource is the slice of the store the characterizer needs.
type RecordSource interface {
	GetEndpointRecord(ctx context.Context, dbID string) (*schemas.EndPointRecord, error)
}

// rolePolicy describes how one symbolic endpoint role is characterized.
type rolePolicy struct {
	// requireRecord makes a missing backing record a hard failure.
	requireRecord bool
	// groupByType routes internal-type records into InternalGroup instead
	// of Interface (ISP ingress and user egress boundaries).
	groupByType bool
	// fallback annotates the endpoint from configuration when no record is
	// required (control egress without an ISP to stitch to).
	fallback bool
}

// Characterizer annotates endpoints using a role lookup table instead of
// per-role branching, so the closed set of roles is enumerated in one place.
type Characterizer struct {
	records  RecordSource
	policies map[string]rolePolicy
	// Fallback characterization for roles carrying no record.
	fallbackType      string
	fallbackInterface string
	log               *zap.Logger
}

// NewCharacterizer builds the role table from the configured role names.
// When ISP stitching is enabled the control egress is left internal: the
// session orchestrator records a remote stitch reference on it instead.
func NewCharacterizer(records RecordSource, roles config.RolesConfig, ispEnabled bool, logger *zap.Logger) *Characterizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	policies := map[string]rolePolicy{
		roles.UserIngress:       {requireRecord: true},
		roles.RemoteUserIngress: {requireRecord: true},
		roles.CaptivePortal:     {requireRecord: true},
		roles.ISPEgress:         {requireRecord: true},
		roles.ISPIngress:        {requireRecord: true, groupByType: true},
		roles.UserEgress:        {requireRecord: true, groupByType: true},
	}
	if !ispEnabled {
		policies[roles.ControlEgress] = rolePolicy{fallback: true}
	}
	return &Characterizer{
		records:           records,
		policies:          policies,
		fallbackType:      roles.EgressType,
		fallbackInterface: roles.EgressPort,
		log:               logger.Named("characterizer"),
	}
}

// Characterize resolves every endpoint of the graph. Endpoints with no
// special role default to the internal type and need no external record.
func (c *Characterizer) Characterize(ctx context.Context, g *schemas.Graph) error {
	for _, ep := range g.EndPoints {
		policy, known := c.policies[ep.Name]
		switch {
		case !known:
			ep.Type = "internal"
		case policy.fallback:
			ep.Type = c.fallbackType
			ep.Interface = c.fallbackInterface
		default:
			if err := c.applyRecord(ctx, ep, policy); err != nil {
				return err
			}
		}
		c.log.Debug("Endpoint characterized",
			zap.String("endpoint", ep.ID),
			zap.String("role", ep.Name),
			zap.String("type", ep.Type))
	}
	return nil
}

func (c *Characterizer) applyRecord(ctx context.Context, ep *schemas.EndPoint, policy rolePolicy) error {
	if ep.DBID == "" {
		return fmt.Errorf("endpoint %q (role %q): %w", ep.ID, ep.Name, ErrEndpointRecordMissing)
	}
	rec, err := c.records.GetEndpointRecord(ctx, ep.DBID)
	if errors.Is(err, schemas.ErrNotFound) {
		return fmt.Errorf("endpoint %q (role %q): %w", ep.ID, ep.Name, ErrEndpointRecordMissing)
	}
	if err != nil {
		return fmt.Errorf("endpoint %q: failed to load record: %w", ep.ID, err)
	}

	if rec.Domain != "" {
		ep.Domain = rec.Domain
	}
	ep.Type = rec.Type
	if policy.groupByType && rec.Type == "internal" {
		ep.InternalGroup = rec.Interface
	} else {
		ep.Interface = rec.Interface
	}
	return nil
}
