// Package templates resolves immutable graph and VNF templates from the
// configured graphs directory. Templates are read on every call so operators
// can replace them without a restart; callers always receive a private copy.
package templates

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/netgroup-polito/frog4-service-layer/api/schemas"
	"github.com/netgroup-polito/frog4-service-layer/internal/config"
)

// Source loads templates from disk.
type Source struct {
	dir         string
	ingressFile string
	egressFile  string
	ispFile     string
	log         *zap.Logger
}

var _ schemas.TemplateSource = (*Source)(nil)

// New builds a filesystem template source from the graphs configuration.
func New(cfg config.GraphsConfig, logger *zap.Logger) (*Source, error) {
	info, err := os.Stat(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("graphs directory %q: %w", cfg.Dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("graphs path %q is not a directory", cfg.Dir)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{
		dir:         cfg.Dir,
		ingressFile: cfg.IngressFile,
		egressFile:  cfg.EgressFile,
		ispFile:     cfg.ISPFile,
		log:         logger.Named("templates"),
	}, nil
}

// UserProfileGraph loads the service graph defined for the user. A user
// without a profile file has no service and gets schemas.ErrNotFound.
func (s *Source) UserProfileGraph(username string) (*schemas.Graph, error) {
	g, err := s.loadGraph(username + ".json")
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no graph defined for user %q: %w", username, schemas.ErrNotFound)
		}
		return nil, err
	}
	return g, nil
}

// IngressGraph loads the shared ingress subgraph spliced into user graphs.
func (s *Source) IngressGraph() (*schemas.Graph, error) {
	return s.loadGraph(s.ingressFile)
}

// EgressGraph loads the shared egress subgraph spliced into user graphs.
func (s *Source) EgressGraph() (*schemas.Graph, error) {
	return s.loadGraph(s.egressFile)
}

// ISPGraph loads the shared ISP service graph deployed under the ISP user.
func (s *Source) ISPGraph() (*schemas.Graph, error) {
	g, err := s.loadGraph(s.ispFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no ISP graph at %q: %w", s.ispFile, schemas.ErrNotFound)
		}
		return nil, err
	}
	return g, nil
}

// VNFTemplate loads the capability template a VNF references. Locations are
// file names relative to the templates subdirectory.
func (s *Source) VNFTemplate(location string) (*schemas.VNFTemplate, error) {
	path := filepath.Join(s.dir, "templates", filepath.Base(location))
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("vnf template %q: %w", location, schemas.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read vnf template %q: %w", location, err)
	}
	var tmpl schemas.VNFTemplate
	if err := json.Unmarshal(data, &tmpl); err != nil {
		return nil, fmt.Errorf("malformed vnf template %q: %w", location, err)
	}
	return &tmpl, nil
}

func (s *Source) loadGraph(name string) (*schemas.Graph, error) {
	path := filepath.Join(s.dir, filepath.Base(name))
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to read graph %q: %w", name, err)
	}
	g, err := schemas.DecodeSnapshot(data)
	if err != nil {
		return nil, fmt.Errorf("graph template %q: %w", name, err)
	}
	s.log.Debug("Graph template loaded", zap.String("file", name), zap.String("graph_id", g.ID))
	return g, nil
}
