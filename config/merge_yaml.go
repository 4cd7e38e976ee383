package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// YamlAgentConfig is the on-disk representation of AgentConfig, e.g.
// opsintel.yaml. Every field is optional; zero values are left untouched by
// loadYamlConfig so the defaults from DefaultAgentConfig survive a partial
// file.
type YamlAgentConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFilePath string `yaml:"log_file"`

	StatsdAddr string `yaml:"statsd_addr"`
	HTTPAddr   string `yaml:"http_addr"`

	Store     storeYaml     `yaml:"store"`
	Baseline  baselineYaml  `yaml:"baseline"`
	Detector  detectorYaml  `yaml:"detector"`
	Registry  registryYaml  `yaml:"registry"`
	Scheduler schedulerYaml `yaml:"scheduler"`
}

type storeYaml struct {
	RetentionHours int    `yaml:"retention_hours"`
	SQLitePath     string `yaml:"sqlite_path"`
}

type baselineYaml struct {
	WindowMinutes int     `yaml:"window_minutes"`
	MinSamples    int64   `yaml:"min_samples"`
	Alpha         float64 `yaml:"alpha"`
}

type detectorYaml struct {
	WindowMinutes        int     `yaml:"window_minutes"`
	LatencyMultiplier    float64 `yaml:"latency_multiplier"`
	ErrorRateThreshold   float64 `yaml:"error_rate_threshold"`
	MinAnalysisSamples   int64   `yaml:"min_analysis_samples"`
	SilenceMinutes       int     `yaml:"silence_minutes"`
}

type registryYaml struct {
	IncidentTTLMinutes    int    `yaml:"incident_ttl_minutes"`
	CorrelationWindowMins int    `yaml:"correlation_window_minutes"`
	RedisAddr             string `yaml:"redis_addr"`
}

type schedulerYaml struct {
	CadenceSeconds int `yaml:"cadence_seconds"`
	DeadlineSeconds int `yaml:"deadline_seconds"`
}

// newYamlFromBytes returns a new YamlAgentConfig for the provided byte array.
func newYamlFromBytes(raw []byte) (*YamlAgentConfig, error) {
	var yc YamlAgentConfig
	if err := yaml.Unmarshal(raw, &yc); err != nil {
		return nil, fmt.Errorf("config: failed to parse yaml: %w", err)
	}
	return &yc, nil
}

// NewYaml reads and parses the config file at path.
func NewYaml(path string) (*YamlAgentConfig, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	return newYamlFromBytes(raw)
}

// loadYamlConfig merges every non-zero field of yc onto c, leaving c's
// existing (default) values wherever yc is silent.
func (c *AgentConfig) loadYamlConfig(yc *YamlAgentConfig) {
	if yc.LogLevel != "" {
		c.LogLevel = yc.LogLevel
	}
	if yc.LogFilePath != "" {
		c.LogFilePath = yc.LogFilePath
	}
	if yc.StatsdAddr != "" {
		c.StatsdAddr = yc.StatsdAddr
	}
	if yc.HTTPAddr != "" {
		c.HTTPAddr = yc.HTTPAddr
	}

	if yc.Store.RetentionHours > 0 {
		c.RetentionWindow = time.Duration(yc.Store.RetentionHours) * time.Hour
	}
	if yc.Store.SQLitePath != "" {
		c.SQLitePath = yc.Store.SQLitePath
	}

	if yc.Baseline.WindowMinutes > 0 {
		c.BaselineWindow = time.Duration(yc.Baseline.WindowMinutes) * time.Minute
	}
	if yc.Baseline.MinSamples > 0 {
		c.MinSamples = yc.Baseline.MinSamples
	}
	if yc.Baseline.Alpha > 0 {
		c.Alpha = yc.Baseline.Alpha
	}

	if yc.Detector.WindowMinutes > 0 {
		c.AnalysisWindow = time.Duration(yc.Detector.WindowMinutes) * time.Minute
	}
	if yc.Detector.LatencyMultiplier > 0 {
		c.LatencyMultiplier = yc.Detector.LatencyMultiplier
	}
	if yc.Detector.ErrorRateThreshold > 0 {
		c.ErrorRateThreshold = yc.Detector.ErrorRateThreshold
	}
	if yc.Detector.MinAnalysisSamples > 0 {
		c.MinAnalysisSamples = yc.Detector.MinAnalysisSamples
	}
	if yc.Detector.SilenceMinutes > 0 {
		c.SilenceThreshold = time.Duration(yc.Detector.SilenceMinutes) * time.Minute
	}

	if yc.Registry.IncidentTTLMinutes > 0 {
		c.IncidentTTL = time.Duration(yc.Registry.IncidentTTLMinutes) * time.Minute
	}
	if yc.Registry.CorrelationWindowMins > 0 {
		c.CorrelationWindow = time.Duration(yc.Registry.CorrelationWindowMins) * time.Minute
	}
	if yc.Registry.RedisAddr != "" {
		c.RedisAddr = yc.Registry.RedisAddr
	}

	if yc.Scheduler.CadenceSeconds > 0 {
		c.AnalysisCadence = time.Duration(yc.Scheduler.CadenceSeconds) * time.Second
	}
	if yc.Scheduler.DeadlineSeconds > 0 {
		c.AnalysisDeadline = time.Duration(yc.Scheduler.DeadlineSeconds) * time.Second
	}
}

// Load builds an AgentConfig starting from the defaults and merging the
// yaml file at path on top, if it exists. A missing file is not an error:
// the defaults are returned as-is, matching the teacher's tolerance for an
// absent datadog.yaml in development. A present-but-malformed file is a
// configuration error and is returned to the caller.
func Load(path string) (*AgentConfig, error) {
	c := DefaultAgentConfig()
	if path == "" {
		return c, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return c, nil
	}
	yc, err := NewYaml(path)
	if err != nil {
		return nil, err
	}
	c.loadYamlConfig(yc)
	return c, nil
}
