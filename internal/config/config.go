// The application's root configuration for the service layer daemon.
package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/spf13/viper"
)

var (
	instance *Config
	once     sync.Once
)

// Config is the root configuration structure for the entire application.
type Config struct {
	Logger       LoggerConfig       `mapstructure:"logger"`
	Postgres     PostgresConfig     `mapstructure:"postgres"`
	Service      ServiceConfig      `mapstructure:"service"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Discovery    DiscoveryConfig    `mapstructure:"discovery"`
	Switch       SwitchConfig       `mapstructure:"switch"`
	Roles        RolesConfig        `mapstructure:"roles"`
	Graphs       GraphsConfig       `mapstructure:"graphs"`
	ISP          ISPConfig          `mapstructure:"isp"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level"`
	Format      string `mapstructure:"format"`
	AddSource   bool   `mapstructure:"add_source"`
	ServiceName string `mapstructure:"service_name"`
	LogFile     string `mapstructure:"log_file"`
	MaxSize     int    `mapstructure:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAge      int    `mapstructure:"max_age"`
	Compress    bool   `mapstructure:"compress"`
}

// PostgresConfig holds settings for the database connection.
type PostgresConfig struct {
	URL string `mapstructure:"url"`
}

// ServiceConfig holds settings for the REST surface.
type ServiceConfig struct {
	Listen string `mapstructure:"listen"`
}

// OrchestratorConfig points at the upstream infrastructure orchestrator.
type OrchestratorConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// DiscoveryConfig holds settings for the domain-description feed.
type DiscoveryConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	BrokerURL string `mapstructure:"broker_url"`
	Topic     string `mapstructure:"topic"`
	Name      string `mapstructure:"name"`
}

// SwitchConfig names the switch VNFs the transformation engine recognizes
// and creates. Names lists every data-plane switch VNF name eligible for
// merging; ControlName is used for the per-graph shared control switch.
type SwitchConfig struct {
	Names       []string `mapstructure:"names"`
	ControlName string   `mapstructure:"control_name"`
	Template    string   `mapstructure:"template"`
}

// RolesConfig maps the symbolic endpoint roles used across graphs. The
// values are free-form labels; the defaults match the graph templates
// shipped with the service.
type RolesConfig struct {
	UserIngress       string `mapstructure:"user_ingress"`
	RemoteUserIngress string `mapstructure:"remote_user_ingress"`
	UserEgress        string `mapstructure:"user_egress"`
	ISPIngress        string `mapstructure:"isp_ingress"`
	ISPEgress         string `mapstructure:"isp_egress"`
	ControlIngress    string `mapstructure:"control_ingress"`
	ControlEgress     string `mapstructure:"control_egress"`
	CaptivePortal     string `mapstructure:"cp_control"`
	SGUserIngress     string `mapstructure:"sg_user_ingress"`
	SGUserEgress      string `mapstructure:"sg_user_egress"`
	// Fallback characterization for the control egress when no ISP is
	// configured.
	EgressType string `mapstructure:"egress_type"`
	EgressPort string `mapstructure:"egress_port"`
}

// GraphsConfig locates the graph template files on disk.
type GraphsConfig struct {
	Dir         string `mapstructure:"dir"`
	IngressFile string `mapstructure:"ingress_file"`
	EgressFile  string `mapstructure:"egress_file"`
	ISPFile     string `mapstructure:"isp_file"`
}

// ISPConfig controls cross-graph stitching towards the ISP graph.
type ISPConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Username string `mapstructure:"username"`
	// GraphName identifies the ISP graph itself; it is prepared differently
	// (no ingress/egress attachment, control ingress exposed).
	GraphName string `mapstructure:"graph_name"`
}

// SetDefaults registers defaults so the daemon can run with a minimal config.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "service-layer")
	v.SetDefault("service.listen", ":8000")
	v.SetDefault("orchestrator.timeout", 30*time.Second)
	v.SetDefault("discovery.enabled", false)
	v.SetDefault("discovery.topic", "frog:domain-description")
	v.SetDefault("switch.names", []string{"switch"})
	v.SetDefault("switch.control_name", "control-switch")
	v.SetDefault("switch.template", "switch.json")
	v.SetDefault("roles.user_ingress", "INGRESS")
	v.SetDefault("roles.remote_user_ingress", "REMOTE_INGRESS")
	v.SetDefault("roles.user_egress", "EGRESS")
	v.SetDefault("roles.isp_ingress", "ISP_INGRESS")
	v.SetDefault("roles.isp_egress", "ISP_EGRESS")
	v.SetDefault("roles.control_ingress", "CONTROL_INGRESS")
	v.SetDefault("roles.control_egress", "CONTROL_EGRESS")
	v.SetDefault("roles.cp_control", "CP_CONTROL")
	v.SetDefault("roles.sg_user_ingress", "SG_INGRESS")
	v.SetDefault("roles.sg_user_egress", "SG_EGRESS")
	v.SetDefault("roles.egress_type", "interface")
	v.SetDefault("roles.egress_port", "eth1")
	v.SetDefault("graphs.dir", "graphs")
	v.SetDefault("graphs.ingress_file", "ingress_graph.json")
	v.SetDefault("graphs.egress_file", "egress_graph.json")
	v.SetDefault("graphs.isp_file", "isp_graph.json")
	v.SetDefault("isp.enabled", false)
	v.SetDefault("isp.graph_name", "ISP_graph")
}

// Validate checks the parts of the configuration that would otherwise fail
// deep inside a request.
func (c *Config) Validate() error {
	if c.Postgres.URL == "" {
		return fmt.Errorf("postgres.url is required")
	}
	if c.Orchestrator.BaseURL == "" {
		return fmt.Errorf("orchestrator.base_url is required")
	}
	if c.Orchestrator.Timeout <= 0 {
		return fmt.Errorf("orchestrator.timeout must be positive")
	}
	if len(c.Switch.Names) == 0 {
		return fmt.Errorf("switch.names must list at least one switch VNF name")
	}
	if c.ISP.Enabled && c.ISP.Username == "" {
		return fmt.Errorf("isp.username is required when isp.enabled is set")
	}
	return nil
}

// Load initializes the configuration singleton from Viper.
func Load(v *viper.Viper) error {
	var loadErr error
	once.Do(func() {
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			loadErr = fmt.Errorf("error unmarshaling config: %w", err)
			return
		}
		instance = &cfg
	})
	return loadErr
}

// Set stores a configuration instance directly. Tests use this to avoid the
// Viper round trip.
func Set(cfg *Config) { instance = cfg }

// Get returns the loaded configuration instance.
func Get() *Config {
	if instance == nil {
		panic("Configuration not initialized. Call config.Load() in the root command.")
	}
	return instance
}
