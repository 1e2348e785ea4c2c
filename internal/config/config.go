// The application's root configuration, covering the scene runtime, the
// journal, the HTTP frontend and the logger.
package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/xkilldash9x/spacegraph/internal/agent"
	"github.com/xkilldash9x/spacegraph/internal/analyzer"
	"github.com/xkilldash9x/spacegraph/internal/orchestrator"
	"github.com/xkilldash9x/spacegraph/internal/runtime"
	"github.com/xkilldash9x/spacegraph/internal/topology"
)

var (
	instance *Config
	once     sync.Once
)

// Config is the root configuration structure for the entire application.
type Config struct {
	Logger       LoggerConfig       `mapstructure:"logger"`
	Scene        SceneConfig        `mapstructure:"scene"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Topology     TopologyConfig     `mapstructure:"topology"`
	Analyzer     AnalyzerConfig     `mapstructure:"analyzer"`
	Journal      JournalConfig      `mapstructure:"journal"`
	Server       ServerConfig       `mapstructure:"server"`
}

// ColorConfig defines the color settings for different log levels.
// These are used for console output to make logs more readable.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" json:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" json:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" json:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" json:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" json:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" json:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" json:"fatal" yaml:"fatal"`
}

// LoggerConfig holds all the configuration for the logger.
// This is the single source of truth for this struct.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" json:"level" yaml:"level"`
	Format      string      `mapstructure:"format" json:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" json:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" json:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" json:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" json:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" json:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" json:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" json:"colors" yaml:"colors"`
}

// SceneConfig holds settings for the initial scene.
type SceneConfig struct {
	// Bootstrap is the path of the scene document loaded at startup.
	Bootstrap string `mapstructure:"bootstrap"`
}

// ProfileConfig overrides perception settings for one object class.
type ProfileConfig struct {
	PerceptionRadius float64 `mapstructure:"perception_radius"`
}

// OrchestratorConfig holds the tick-loop and negotiation settings.
type OrchestratorConfig struct {
	TickBudgetMs     int                      `mapstructure:"tick_budget_ms"`
	IntervalMs       int                      `mapstructure:"interval_ms"`
	PerceptionRadius float64                  `mapstructure:"perception_radius"`
	TauPropose       float64                  `mapstructure:"tau_propose"`
	TauAccept        float64                  `mapstructure:"tau_accept"`
	TauSupersede     float64                  `mapstructure:"tau_supersede"`
	CascadeRotation  bool                     `mapstructure:"cascade_rotation"`
	Profiles         map[string]ProfileConfig `mapstructure:"profiles"`
}

// TopologyConfig holds the geometric predicate thresholds.
type TopologyConfig struct {
	TauNear    float64 `mapstructure:"tau_near"`
	TauFar     float64 `mapstructure:"tau_far"`
	Epsilon    float64 `mapstructure:"epsilon"`
	TauContact float64 `mapstructure:"tau_contact"`
	TauLevel   float64 `mapstructure:"tau_level"`
	TauBeside  float64 `mapstructure:"tau_beside"`
}

// AnalyzerConfig holds the accessibility and clustering settings.
type AnalyzerConfig struct {
	AccessRadius float64                `mapstructure:"access_radius"`
	ViewerPos    []float64              `mapstructure:"viewer_pos"`
	ClusterRules []analyzer.ClusterRule `mapstructure:"cluster_rules"`
}

// JournalConfig holds settings for the durable event journal.
type JournalConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// ServerConfig holds settings for the HTTP frontend.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// Default returns a fully-populated configuration carrying the standard
// thresholds. Load unmarshals user settings over it, so absent keys keep
// these values.
func Default() Config {
	topo := topology.DefaultParams()
	tuning := agent.DefaultTuning()
	orch := orchestrator.DefaultConfig()
	anl := analyzer.DefaultParams()
	return Config{
		Logger: LoggerConfig{
			Level:       "info",
			Format:      "console",
			ServiceName: "spacegraph",
		},
		Orchestrator: OrchestratorConfig{
			TickBudgetMs:     int(orch.TickBudget.Milliseconds()),
			IntervalMs:       int(orch.Interval.Milliseconds()),
			PerceptionRadius: tuning.PerceptionRadius,
			TauPropose:       tuning.TauPropose,
			TauAccept:        tuning.TauAccept,
			TauSupersede:     tuning.TauSupersede,
		},
		Topology: TopologyConfig{
			TauNear:    topo.TauNear,
			TauFar:     topo.TauFar,
			Epsilon:    topo.Epsilon,
			TauContact: topo.TauContact,
			TauLevel:   topo.TauLevel,
			TauBeside:  topo.TauBeside,
		},
		Analyzer: AnalyzerConfig{
			AccessRadius: anl.AccessRadius,
			ViewerPos:    []float64{anl.ViewerPos[0], anl.ViewerPos[1], anl.ViewerPos[2]},
			ClusterRules: anl.ClusterRules,
		},
		Journal: JournalConfig{
			Path: "spacegraph-events.db",
		},
		Server: ServerConfig{
			Addr: ":8087",
		},
	}
}

// Runtime maps the configuration onto the core's option set.
func (c *Config) Runtime() runtime.Options {
	topo := topology.Params{
		TauNear:    c.Topology.TauNear,
		TauFar:     c.Topology.TauFar,
		Epsilon:    c.Topology.Epsilon,
		TauContact: c.Topology.TauContact,
		TauLevel:   c.Topology.TauLevel,
		TauBeside:  c.Topology.TauBeside,
	}

	tuning := agent.Tuning{
		Topo:             topo,
		PerceptionRadius: c.Orchestrator.PerceptionRadius,
		TauPropose:       c.Orchestrator.TauPropose,
		TauAccept:        c.Orchestrator.TauAccept,
		TauSupersede:     c.Orchestrator.TauSupersede,
	}
	if len(c.Orchestrator.Profiles) > 0 {
		tuning.Profiles = make(map[string]agent.Profile, len(c.Orchestrator.Profiles))
		for class, p := range c.Orchestrator.Profiles {
			tuning.Profiles[class] = agent.Profile{PerceptionRadius: p.PerceptionRadius}
		}
	}

	orch := orchestrator.DefaultConfig()
	orch.TickBudget = time.Duration(c.Orchestrator.TickBudgetMs) * time.Millisecond
	orch.Interval = time.Duration(c.Orchestrator.IntervalMs) * time.Millisecond
	orch.Tuning = tuning

	anl := analyzer.Params{
		AccessRadius: c.Analyzer.AccessRadius,
		ClusterRules: c.Analyzer.ClusterRules,
	}
	for i, v := range c.Analyzer.ViewerPos {
		if i > 2 {
			break
		}
		anl.ViewerPos[i] = v
	}

	return runtime.Options{
		Orchestrator:    orch,
		Analyzer:        anl,
		CascadeRotation: c.Orchestrator.CascadeRotation,
	}
}

// Load initializes the configuration singleton from Viper.
func Load(v *viper.Viper) error {
	var loadErr error
	once.Do(func() {
		cfg := Default()
		if err := v.Unmarshal(&cfg); err != nil {
			loadErr = fmt.Errorf("error unmarshaling config: %w", err)
			return
		}
		instance = &cfg
	})
	return loadErr
}

// Set replaces the singleton, for wiring a fully-built configuration without
// going through Viper.
func Set(cfg *Config) {
	once.Do(func() {})
	instance = cfg
}

// Get returns the loaded configuration instance.
func Get() *Config {
	if instance == nil {
		panic("Configuration not initialized. Call config.Load() in the root command.")
	}
	return instance
}
