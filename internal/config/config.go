// Package config loads the YAML configuration file. Command-line flags
// override what it sets.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zsiec/tsclock/internal/engine"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("config: invalid")

// InitialTimeLayout is the format of engine.initial_time and -T.
const InitialTimeLayout = "20060102150405"

// Config is the file layout.
type Config struct {
	Input  InputConfig  `yaml:"input"`
	Engine EngineConfig `yaml:"engine"`
	Report ReportConfig `yaml:"report"`
	API    APIConfig    `yaml:"api"`
}

// InputConfig names what to analyse.
type InputConfig struct {
	// URL is a file path, udp://, rtp:// or srt:// URL.
	URL string `yaml:"url"`
	// StopAfter ends the run, e.g. "30s"; empty runs to the end.
	StopAfter string `yaml:"stop_after"`
	// Pacing is "realtime" or "stream"; empty picks by input type.
	Pacing string `yaml:"pacing"`
}

// EngineConfig mirrors engine.Config with file-friendly types.
type EngineConfig struct {
	MaxDriftMs int64 `yaml:"max_drift_ms"`
	// SCRPID is a PID such as "0x31", or "auto" to follow the PMT.
	SCRPID         string `yaml:"scr_pid"`
	TrendCapacity  int    `yaml:"trend_capacity"`
	TrendWarmup    *int   `yaml:"trend_warmup"`
	ReportPeriod   string `yaml:"report_period"`
	NonConformance *bool  `yaml:"non_conformance"`
	Reorder        bool   `yaml:"reorder"`
	PESDelivery    bool   `yaml:"pes_delivery"`
	// InitialTime is YYYYMMDDHHMMSS local time.
	InitialTime string `yaml:"initial_time"`
}

// ReportConfig selects the text reports.
type ReportConfig struct {
	SCR        bool   `yaml:"scr"`
	PES        int    `yaml:"pes"`
	TrendLevel int    `yaml:"trend_level"`
	HexDump    int    `yaml:"hex_dump"`
	Progress   bool   `yaml:"progress"`
	ExportDir  string `yaml:"export_dir"`
}

// APIConfig enables the status API.
type APIConfig struct {
	// Addr serves HTTPS and HTTP/3; empty disables the API.
	Addr string `yaml:"addr"`
	// CertValidity is how long the self-signed certificate lasts.
	CertValidity string `yaml:"cert_validity"`
}

// Default returns the configuration used without a file.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxDriftMs:    engine.DefaultMaxDriftMs,
			SCRPID:        "auto",
			TrendCapacity: engine.DefaultTrendCapacity,
			ReportPeriod:  engine.DefaultReportPeriod.String(),
		},
		Report: ReportConfig{ExportDir: "."},
		API:    APIConfig{CertValidity: "336h"},
	}
}

// Load reads and validates a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&c)
	if _, err := c.EngineConfig(); err != nil {
		return nil, err
	}
	if _, err := c.StopAfter(); err != nil {
		return nil, err
	}
	if _, _, err := c.Pacing(); err != nil {
		return nil, err
	}
	return &c, nil
}

func applyDefaults(c *Config) {
	d := Default()
	if c.Engine.MaxDriftMs == 0 {
		c.Engine.MaxDriftMs = d.Engine.MaxDriftMs
	}
	if c.Engine.SCRPID == "" {
		c.Engine.SCRPID = d.Engine.SCRPID
	}
	if c.Engine.TrendCapacity == 0 {
		c.Engine.TrendCapacity = d.Engine.TrendCapacity
	}
	if c.Engine.ReportPeriod == "" {
		c.Engine.ReportPeriod = d.Engine.ReportPeriod
	}
	if c.Report.ExportDir == "" {
		c.Report.ExportDir = d.Report.ExportDir
	}
	if c.API.CertValidity == "" {
		c.API.CertValidity = d.API.CertValidity
	}
}

// EngineConfig converts the engine section. Pacing is left to the caller;
// see Pacing.
func (c *Config) EngineConfig() (engine.Config, error) {
	ec := engine.DefaultConfig()
	e := c.Engine

	if e.MaxDriftMs < 0 {
		return ec, fmt.Errorf("%w: max_drift_ms %d", ErrInvalid, e.MaxDriftMs)
	}
	if e.MaxDriftMs > 0 {
		ec.MaxDriftMs = e.MaxDriftMs
	}

	if e.SCRPID != "" && e.SCRPID != "auto" {
		pid, err := ParsePID(e.SCRPID)
		if err != nil {
			return ec, err
		}
		ec.SCRPID = pid
		ec.AutoSCRPID = false
	}

	if e.TrendCapacity < 0 {
		return ec, fmt.Errorf("%w: trend_capacity %d", ErrInvalid, e.TrendCapacity)
	}
	if e.TrendCapacity > 0 {
		ec.TrendCapacity = e.TrendCapacity
	}
	if e.TrendWarmup != nil {
		ec.TrendWarmup = *e.TrendWarmup
		if ec.TrendWarmup <= 0 {
			ec.TrendWarmup = engine.NoWarmup
		}
	}
	if e.ReportPeriod != "" {
		d, err := time.ParseDuration(e.ReportPeriod)
		if err != nil {
			return ec, fmt.Errorf("%w: report_period %q: %v", ErrInvalid, e.ReportPeriod, err)
		}
		ec.ReportPeriod = d
	}
	if e.NonConformance != nil {
		ec.NonConformance = *e.NonConformance
	}
	ec.Reorder = e.Reorder
	ec.PESDelivery = e.PESDelivery

	if e.InitialTime != "" {
		t, err := ParseInitialTime(e.InitialTime)
		if err != nil {
			return ec, err
		}
		ec.InitialTime = t
	}
	return ec, nil
}

// Pacing parses input.pacing; ok is false when it is not set.
func (c *Config) Pacing() (p engine.Pacing, ok bool, err error) {
	if c.Input.Pacing == "" {
		return 0, false, nil
	}
	p, err = engine.ParsePacing(c.Input.Pacing)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return p, true, nil
}

// StopAfter parses input.stop_after.
func (c *Config) StopAfter() (time.Duration, error) {
	if c.Input.StopAfter == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Input.StopAfter)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%w: stop_after %q", ErrInvalid, c.Input.StopAfter)
	}
	return d, nil
}

// CertValidity parses api.cert_validity.
func (c *Config) CertValidity() (time.Duration, error) {
	d, err := time.ParseDuration(c.API.CertValidity)
	if err != nil {
		return 0, fmt.Errorf("%w: cert_validity %q", ErrInvalid, c.API.CertValidity)
	}
	return d, nil
}

// ParsePID parses a PID in decimal or 0x hex.
func ParsePID(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 16)
	if err != nil || v > 0x1FFF {
		return 0, fmt.Errorf("%w: pid %q", ErrInvalid, s)
	}
	return uint16(v), nil
}

// ParseInitialTime parses YYYYMMDDHHMMSS in local time.
func ParseInitialTime(s string) (time.Time, error) {
	t, err := time.ParseInLocation(InitialTimeLayout, s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: initial time %q, want YYYYMMDDHHMMSS", ErrInvalid, s)
	}
	return t, nil
}
