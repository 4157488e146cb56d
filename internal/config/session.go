// Package config loads the session configuration file: capture and
// hardware endpoints, detection thresholds, timeout policy, and the
// ordered trial list. Fields omitted from the JSON retain their defaults,
// so partial configs are safe.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/grasplab/reach.report/internal/onset"
	"github.com/grasplab/reach.report/internal/trial"
	"github.com/grasplab/reach.report/internal/zones"
)

// SessionConfig is the root configuration for one recording session.
type SessionConfig struct {
	// Endpoints
	ListenAddr *string `json:"listen_addr,omitempty"`
	GogglePort *string `json:"goggle_port,omitempty"`
	DBPath     *string `json:"db_path,omitempty"`
	APIAddr    *string `json:"api_addr,omitempty"`

	// Detection thresholds, shared by every trial unless noted
	OnsetThreshold   *float64 `json:"onset_threshold_mps,omitempty"`
	HysteresisMargin *float64 `json:"hysteresis_margin_mps,omitempty"`
	SustainedSamples *int     `json:"sustained_samples,omitempty"`
	WindowFrames     *int     `json:"window_frames,omitempty"`
	StaleLimit       *int     `json:"stale_limit,omitempty"`
	DataLossLimit    *int     `json:"data_loss_limit,omitempty"`

	// Timing policy, duration strings like "300ms"
	MovementTimeout *string `json:"movement_timeout,omitempty"`
	ReachWindow     *string `json:"reach_window,omitempty"`
	SettleWindow    *string `json:"settle_window,omitempty"`
	StallBudget     *string `json:"stall_budget,omitempty"`
	GoSignalMin     *string `json:"go_signal_min,omitempty"`
	GoSignalMax     *string `json:"go_signal_max,omitempty"`

	// Trials is the ordered trial list for the session.
	Trials []TrialSpec `json:"trials"`
}

// TrialSpec is one entry in the session's trial list.
type TrialSpec struct {
	Phase string     `json:"phase"`
	Zones []ZoneSpec `json:"zones"`
}

// ZoneSpec is one end-zone volume, meters, capture frame of reference.
type ZoneSpec struct {
	Label  string     `json:"label"`
	Center [3]float64 `json:"center_m"`
	Radius float64    `json:"radius_m"`
}

// Load reads and validates a session configuration file.
func Load(path string) (*SessionConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &SessionConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration values. Per-trial detector and zone
// validation happens again when each trial is armed; this catches session
// file mistakes up front, before hardware is touched.
func (c *SessionConfig) Validate() error {
	if c.OnsetThreshold != nil && *c.OnsetThreshold <= 0 {
		return fmt.Errorf("onset_threshold_mps must be positive, got %f", *c.OnsetThreshold)
	}
	if c.HysteresisMargin != nil && *c.HysteresisMargin < 0 {
		return fmt.Errorf("hysteresis_margin_mps must be non-negative, got %f", *c.HysteresisMargin)
	}
	if c.WindowFrames != nil && *c.WindowFrames < 2 {
		return fmt.Errorf("window_frames must be at least 2, got %d", *c.WindowFrames)
	}

	for name, v := range map[string]*string{
		"movement_timeout": c.MovementTimeout,
		"reach_window":     c.ReachWindow,
		"settle_window":    c.SettleWindow,
		"stall_budget":     c.StallBudget,
		"go_signal_min":    c.GoSignalMin,
		"go_signal_max":    c.GoSignalMax,
	} {
		if v != nil && *v != "" {
			if _, err := time.ParseDuration(*v); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
			}
		}
	}
	if c.GetGoSignalMax() < c.GetGoSignalMin() {
		return fmt.Errorf("go_signal_max %v is below go_signal_min %v", c.GetGoSignalMax(), c.GetGoSignalMin())
	}

	if len(c.Trials) == 0 {
		return fmt.Errorf("session has no trials")
	}
	for i, ts := range c.Trials {
		switch trial.Phase(ts.Phase) {
		case trial.PreReveal, trial.FullKnowledge:
		default:
			return fmt.Errorf("trial %d: unknown phase %q", i+1, ts.Phase)
		}
		if len(ts.Zones) == 0 {
			return fmt.Errorf("trial %d: no zones configured", i+1)
		}
	}
	return nil
}

func (c *SessionConfig) duration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetListenAddr returns the capture stream listen address or the default.
func (c *SessionConfig) GetListenAddr() string {
	if c.ListenAddr == nil || *c.ListenAddr == "" {
		return "0.0.0.0:9001"
	}
	return *c.ListenAddr
}

// GetGogglePort returns the goggle serial port path or the default.
func (c *SessionConfig) GetGogglePort() string {
	if c.GogglePort == nil || *c.GogglePort == "" {
		return "/dev/ttyACM0"
	}
	return *c.GogglePort
}

// GetDBPath returns the trial database path or the default.
func (c *SessionConfig) GetDBPath() string {
	if c.DBPath == nil || *c.DBPath == "" {
		return "trials.db"
	}
	return *c.DBPath
}

// GetAPIAddr returns the status API listen address or the default.
func (c *SessionConfig) GetAPIAddr() string {
	if c.APIAddr == nil || *c.APIAddr == "" {
		return "127.0.0.1:8080"
	}
	return *c.APIAddr
}

// GetOnsetThreshold returns the onset speed threshold (m/s) or the default.
func (c *SessionConfig) GetOnsetThreshold() float64 {
	if c.OnsetThreshold == nil {
		return 0.05
	}
	return *c.OnsetThreshold
}

// GetHysteresisMargin returns the hysteresis margin (m/s) or the default.
func (c *SessionConfig) GetHysteresisMargin() float64 {
	if c.HysteresisMargin == nil {
		return 0.01
	}
	return *c.HysteresisMargin
}

// GetSustainedSamples returns the sustained sample count or the default.
func (c *SessionConfig) GetSustainedSamples() int {
	if c.SustainedSamples == nil {
		return 2
	}
	return *c.SustainedSamples
}

// GetWindowFrames returns the estimator window or the default.
func (c *SessionConfig) GetWindowFrames() int {
	if c.WindowFrames == nil {
		return 5
	}
	return *c.WindowFrames
}

// GetStaleLimit returns the stale frame limit or the default.
func (c *SessionConfig) GetStaleLimit() int {
	if c.StaleLimit == nil {
		return 6
	}
	return *c.StaleLimit
}

// GetDataLossLimit returns the data loss limit or the default.
func (c *SessionConfig) GetDataLossLimit() int {
	if c.DataLossLimit == nil {
		return 24
	}
	return *c.DataLossLimit
}

// GetMovementTimeout returns the movement insurance deadline or the default.
func (c *SessionConfig) GetMovementTimeout() time.Duration {
	return c.duration(c.MovementTimeout, time.Second)
}

// GetReachWindow returns the reach window or the default.
func (c *SessionConfig) GetReachWindow() time.Duration {
	return c.duration(c.ReachWindow, time.Second)
}

// GetSettleWindow returns the settle window or the default.
func (c *SessionConfig) GetSettleWindow() time.Duration {
	return c.duration(c.SettleWindow, 300*time.Millisecond)
}

// GetStallBudget returns the stream stall budget or the default.
func (c *SessionConfig) GetStallBudget() time.Duration {
	return c.duration(c.StallBudget, 2*time.Second)
}

// GetGoSignalMin returns the minimum go-signal foreperiod or the default.
func (c *SessionConfig) GetGoSignalMin() time.Duration {
	return c.duration(c.GoSignalMin, 500*time.Millisecond)
}

// GetGoSignalMax returns the maximum go-signal foreperiod or the default.
func (c *SessionConfig) GetGoSignalMax() time.Duration {
	return c.duration(c.GoSignalMax, 2*time.Second)
}

// Session builds the session-level timing policy.
func (c *SessionConfig) Session() trial.SessionConfig {
	return trial.SessionConfig{
		GoSignalMin: c.GetGoSignalMin(),
		GoSignalMax: c.GetGoSignalMax(),
	}
}

// TrialConfigs expands the trial list into per-trial configurations,
// combining the session-wide thresholds with each entry's phase and zones.
func (c *SessionConfig) TrialConfigs() []trial.Config {
	out := make([]trial.Config, 0, len(c.Trials))
	for _, ts := range c.Trials {
		zs := make([]zones.Zone, 0, len(ts.Zones))
		for _, z := range ts.Zones {
			zs = append(zs, zones.Zone{
				Label:  zones.Label(z.Label),
				Center: z.Center,
				Radius: z.Radius,
			})
		}
		out = append(out, trial.Config{
			Phase: trial.Phase(ts.Phase),
			Onset: onset.Config{
				Threshold:        c.GetOnsetThreshold(),
				HysteresisMargin: c.GetHysteresisMargin(),
				SustainedSamples: c.GetSustainedSamples(),
			},
			Zones:           zs,
			WindowFrames:    c.GetWindowFrames(),
			StaleLimit:      c.GetStaleLimit(),
			DataLossLimit:   c.GetDataLossLimit(),
			MovementTimeout: c.GetMovementTimeout(),
			ReachWindow:     c.GetReachWindow(),
			SettleWindow:    c.GetSettleWindow(),
			StallBudget:     c.GetStallBudget(),
		})
	}
	return out
}
