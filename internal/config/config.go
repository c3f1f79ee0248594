// Package config provides configuration management for cortex-lipsync
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/normanking/cortexlipsync/internal/audio"
	"github.com/normanking/cortexlipsync/internal/avsync"
	"github.com/normanking/cortexlipsync/internal/lipsync"
	"github.com/normanking/cortexlipsync/internal/viseme"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when a loaded configuration fails validation.
var ErrInvalidConfig = errors.New("invalid configuration")

const (
	appDir    = ".cortexlipsync"
	envPrefix = "CORTEXLIPSYNC"
)

// Config holds all application configuration
type Config struct {
	Audio      AudioConfig      `mapstructure:"audio" yaml:"audio"`
	Analysis   AnalysisConfig   `mapstructure:"analysis" yaml:"analysis"`
	Classifier ClassifierConfig `mapstructure:"classifier" yaml:"classifier"`
	Library    LibraryConfig    `mapstructure:"library" yaml:"library"`
	LipSync    LipSyncConfig    `mapstructure:"lipsync" yaml:"lipsync"`
	Sync       SyncConfig       `mapstructure:"sync" yaml:"sync"`
	Stream     StreamConfig     `mapstructure:"stream" yaml:"stream"`
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
}

// AudioConfig configures audio capture/playback
type AudioConfig struct {
	InputDevice  string `mapstructure:"input_device" yaml:"input_device"`
	OutputDevice string `mapstructure:"output_device" yaml:"output_device"`
	SampleRate   int    `mapstructure:"sample_rate" yaml:"sample_rate"`
	BufferSize   int    `mapstructure:"buffer_size" yaml:"buffer_size"`     // frames per capture callback
	OutputVolume int    `mapstructure:"output_volume" yaml:"output_volume"` // 0-100
}

// AnalysisConfig configures the feature and phoneme pipeline
type AnalysisConfig struct {
	FrameSize           int     `mapstructure:"frame_size" yaml:"frame_size"`
	HopSize             int     `mapstructure:"hop_size" yaml:"hop_size"`
	Window              string  `mapstructure:"window" yaml:"window"`
	KaiserBeta          float64 `mapstructure:"kaiser_beta" yaml:"kaiser_beta"`
	VoicingThreshold    float64 `mapstructure:"voicing_threshold" yaml:"voicing_threshold"`
	EnergyThreshold     float64 `mapstructure:"energy_threshold" yaml:"energy_threshold"`
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold" yaml:"confidence_threshold"`
	QueueSize           int     `mapstructure:"queue_size" yaml:"queue_size"`
	CPUUsageLimit       float64 `mapstructure:"cpu_usage_limit" yaml:"cpu_usage_limit"`
}

// ClassifierConfig selects the phoneme classifier
type ClassifierConfig struct {
	Provider string `mapstructure:"provider" yaml:"provider"` // heuristic or remote
	URL      string `mapstructure:"url" yaml:"url"`
}

// LibraryConfig selects the viseme library
type LibraryConfig struct {
	Name  string   `mapstructure:"name" yaml:"name"`
	Paths []string `mapstructure:"paths" yaml:"paths"` // custom library documents imported at startup
}

// QualityProfile trades output fidelity for CPU
type QualityProfile struct {
	TemporalResolution time.Duration `mapstructure:"temporal_resolution" yaml:"temporal_resolution"`
	SpatialResolution  int           `mapstructure:"spatial_resolution" yaml:"spatial_resolution"`
	CPUUsageLimit      float64       `mapstructure:"cpu_usage_limit" yaml:"cpu_usage_limit"`
}

// LipSyncConfig configures timeline construction and playback
type LipSyncConfig struct {
	TargetFrameRate     float64        `mapstructure:"target_frame_rate" yaml:"target_frame_rate"`
	LookAheadTime       time.Duration  `mapstructure:"look_ahead_time" yaml:"look_ahead_time"`
	NeighborCount       int            `mapstructure:"neighbor_count" yaml:"neighbor_count"`
	InterpolationCurve  string         `mapstructure:"interpolation_curve" yaml:"interpolation_curve"`
	SmoothingWindow     time.Duration  `mapstructure:"smoothing_window" yaml:"smoothing_window"`
	MinPhonemeDuration  time.Duration  `mapstructure:"min_phoneme_duration" yaml:"min_phoneme_duration"`
	MaxPhonemeDuration  time.Duration  `mapstructure:"max_phoneme_duration" yaml:"max_phoneme_duration"`
	MergeGap            time.Duration  `mapstructure:"merge_gap" yaml:"merge_gap"`
	CoarticulationBlend float64        `mapstructure:"coarticulation_blend" yaml:"coarticulation_blend"`
	QualityProfile      QualityProfile `mapstructure:"quality_profile" yaml:"quality_profile"`
}

// SyncConfig configures audio/visual synchronization
type SyncConfig struct {
	DriftThreshold     time.Duration `mapstructure:"drift_threshold" yaml:"drift_threshold"`
	CorrectionFactor   float64       `mapstructure:"correction_factor" yaml:"correction_factor"`
	CorrectionInterval time.Duration `mapstructure:"correction_interval" yaml:"correction_interval"`
	TargetLatencyMs    int           `mapstructure:"target_latency_ms" yaml:"target_latency_ms"`
	AdaptiveSync       bool          `mapstructure:"adaptive_sync" yaml:"adaptive_sync"`
	TargetBufferSize   time.Duration `mapstructure:"target_buffer_size" yaml:"target_buffer_size"`
	TickRate           float64       `mapstructure:"tick_rate" yaml:"tick_rate"`
	UseWallClock       bool          `mapstructure:"use_wall_clock" yaml:"use_wall_clock"`
	CalibrationTimeout time.Duration `mapstructure:"calibration_timeout" yaml:"calibration_timeout"`
	CalibrationToneHz  float64       `mapstructure:"calibration_tone_hz" yaml:"calibration_tone_hz"`
}

// StreamConfig configures the frame stream and metrics endpoints
type StreamConfig struct {
	Addr        string `mapstructure:"addr" yaml:"addr"`
	Path        string `mapstructure:"path" yaml:"path"`
	MetricsAddr string `mapstructure:"metrics_addr" yaml:"metrics_addr"`
}

// LoggingConfig configures log output
type LoggingConfig struct {
	Level   string `mapstructure:"level" yaml:"level"`
	Dir     string `mapstructure:"dir" yaml:"dir"`
	Console bool   `mapstructure:"console" yaml:"console"`
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() *Config {
	analysis := audio.DefaultAnalysisConfig()
	engine := lipsync.DefaultConfig()
	player := lipsync.DefaultPlayerConfig()
	sc := avsync.DefaultConfig()

	return &Config{
		Audio: AudioConfig{
			SampleRate:   analysis.SampleRate,
			BufferSize:   analysis.HopSize,
			OutputVolume: 100,
		},
		Analysis: AnalysisConfig{
			FrameSize:           analysis.FrameSize,
			HopSize:             analysis.HopSize,
			Window:              string(analysis.Window),
			KaiserBeta:          analysis.KaiserBeta,
			VoicingThreshold:    analysis.VoicingThreshold,
			EnergyThreshold:     analysis.EnergyThreshold,
			ConfidenceThreshold: analysis.ConfidenceThreshold,
			QueueSize:           analysis.QueueSize,
			CPUUsageLimit:       analysis.CPUUsageLimit,
		},
		Classifier: ClassifierConfig{
			Provider: "heuristic",
			URL:      audio.DefaultClassifierURL,
		},
		Library: LibraryConfig{
			Name:  viseme.DefaultLibrary,
			Paths: []string{},
		},
		LipSync: LipSyncConfig{
			TargetFrameRate:     player.TargetFrameRate,
			LookAheadTime:       engine.LookAhead,
			NeighborCount:       engine.NeighborCount,
			InterpolationCurve:  string(player.Curve),
			SmoothingWindow:     player.SmoothingWindow,
			MinPhonemeDuration:  engine.MinPhonemeDuration,
			MaxPhonemeDuration:  engine.MaxPhonemeDuration,
			MergeGap:            engine.MergeGap,
			CoarticulationBlend: engine.CoarticulationBlend,
			QualityProfile: QualityProfile{
				TemporalResolution: player.TemporalResolution,
				SpatialResolution:  player.SpatialResolution,
				CPUUsageLimit:      player.CPUUsageLimit,
			},
		},
		Sync: SyncConfig{
			DriftThreshold:     sc.DriftThreshold,
			CorrectionFactor:   sc.CorrectionFactor,
			CorrectionInterval: sc.CorrectionInterval,
			TargetLatencyMs:    int(sc.TargetLatency / time.Millisecond),
			AdaptiveSync:       sc.AdaptiveSync,
			TargetBufferSize:   sc.TargetBufferSize,
			TickRate:           sc.TickRate,
			CalibrationTimeout: sc.CalibrationTimeout,
			CalibrationToneHz:  sc.CalibrationTone,
		},
		Stream: StreamConfig{
			Addr: "127.0.0.1:8765",
			Path: "/ws/lipsync",
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
		},
	}
}

// AnalysisSettings builds the audio pipeline configuration.
func (c *Config) AnalysisSettings() *audio.AnalysisConfig {
	out := audio.DefaultAnalysisConfig()
	out.SampleRate = c.Audio.SampleRate
	out.FrameSize = c.Analysis.FrameSize
	out.HopSize = c.Analysis.HopSize
	if w, err := audio.ParseWindow(c.Analysis.Window); err == nil {
		out.Window = w
	}
	out.KaiserBeta = c.Analysis.KaiserBeta
	out.VoicingThreshold = c.Analysis.VoicingThreshold
	out.EnergyThreshold = c.Analysis.EnergyThreshold
	out.ConfidenceThreshold = c.Analysis.ConfidenceThreshold
	out.QueueSize = c.Analysis.QueueSize
	out.CPUUsageLimit = c.Analysis.CPUUsageLimit
	return out
}

// EngineSettings builds the timeline engine configuration.
func (c *Config) EngineSettings() lipsync.Config {
	return lipsync.Config{
		LookAhead:           c.LipSync.LookAheadTime,
		NeighborCount:       c.LipSync.NeighborCount,
		MinPhonemeDuration:  c.LipSync.MinPhonemeDuration,
		MaxPhonemeDuration:  c.LipSync.MaxPhonemeDuration,
		MergeGap:            c.LipSync.MergeGap,
		CoarticulationBlend: c.LipSync.CoarticulationBlend,
	}
}

// PlayerSettings builds the player configuration. An unknown curve name
// falls back to easeInOut.
func (c *Config) PlayerSettings() lipsync.PlayerConfig {
	curve, err := viseme.ParseCurve(c.LipSync.InterpolationCurve)
	if err != nil {
		curve = viseme.CurveEaseInOut
	}
	return lipsync.PlayerConfig{
		TargetFrameRate:    c.LipSync.TargetFrameRate,
		Curve:              curve,
		SmoothingWindow:    c.LipSync.SmoothingWindow,
		TemporalResolution: c.LipSync.QualityProfile.TemporalResolution,
		SpatialResolution:  c.LipSync.QualityProfile.SpatialResolution,
		CPUUsageLimit:      c.LipSync.QualityProfile.CPUUsageLimit,
	}
}

// SyncSettings builds the sync controller configuration.
func (c *Config) SyncSettings() *avsync.Config {
	out := avsync.DefaultConfig()
	out.DriftThreshold = c.Sync.DriftThreshold
	out.CorrectionFactor = c.Sync.CorrectionFactor
	out.CorrectionInterval = c.Sync.CorrectionInterval
	out.TargetLatency = time.Duration(c.Sync.TargetLatencyMs) * time.Millisecond
	out.AdaptiveSync = c.Sync.AdaptiveSync
	out.TargetBufferSize = c.Sync.TargetBufferSize
	out.TickRate = c.Sync.TickRate
	out.UseWallClock = c.Sync.UseWallClock
	out.CalibrationTimeout = c.Sync.CalibrationTimeout
	out.CalibrationTone = c.Sync.CalibrationToneHz
	return out
}

// Validate checks ranges that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	var errs []error
	if c.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate must be positive, got %d", c.Audio.SampleRate))
	}
	if c.Analysis.HopSize <= 0 || c.Analysis.HopSize > c.Analysis.FrameSize {
		errs = append(errs, fmt.Errorf("analysis.hop_size must be in (0, frame_size], got %d", c.Analysis.HopSize))
	}
	if _, err := audio.ParseWindow(c.Analysis.Window); err != nil {
		errs = append(errs, err)
	}
	if t := c.Analysis.ConfidenceThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("analysis.confidence_threshold must be in [0,1], got %g", t))
	}
	switch c.Classifier.Provider {
	case "heuristic", "remote":
	default:
		errs = append(errs, fmt.Errorf("unknown classifier provider %q", c.Classifier.Provider))
	}
	if c.LipSync.TargetFrameRate <= 0 {
		errs = append(errs, fmt.Errorf("lipsync.target_frame_rate must be positive, got %g", c.LipSync.TargetFrameRate))
	}
	if _, err := viseme.ParseCurve(c.LipSync.InterpolationCurve); err != nil {
		errs = append(errs, err)
	}
	if c.LipSync.MinPhonemeDuration > c.LipSync.MaxPhonemeDuration {
		errs = append(errs, errors.New("lipsync.min_phoneme_duration exceeds max_phoneme_duration"))
	}
	if f := c.Sync.CorrectionFactor; f <= 0 || f > 1 {
		errs = append(errs, fmt.Errorf("sync.correction_factor must be in (0,1], got %g", f))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// GetConfigDir returns the configuration directory path
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, appDir), nil
}

// Store binds a configuration to its file and environment.
type Store struct {
	v      *viper.Viper
	path   string
	logger zerolog.Logger

	mu  sync.RWMutex
	cfg *Config
}

// Load reads configuration from path, or from ~/.cortexlipsync/config.yaml
// when path is empty, creating that file with defaults on first run.
// Environment variables prefixed CORTEXLIPSYNC_ override file values.
func Load(path string, logger zerolog.Logger) (*Store, error) {
	v := viper.New()
	if err := setDefaults(v, DefaultConfig()); err != nil {
		return nil, err
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		dir, err := GetConfigDir()
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		path = filepath.Join(dir, "config.yaml")
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			if err := Save(DefaultConfig(), path); err != nil {
				return nil, err
			}
		}
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	s := &Store{
		v:      v,
		path:   path,
		logger: logger.With().Str("component", "config").Logger(),
	}
	cfg, err := s.decode()
	if err != nil {
		return nil, err
	}
	s.cfg = cfg
	return s, nil
}

// Config returns the current configuration. Callers must not mutate it.
func (s *Store) Config() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Path returns the backing file.
func (s *Store) Path() string {
	return s.path
}

// Save writes the current configuration back to its file.
func (s *Store) Save() error {
	return Save(s.Config(), s.path)
}

// Update applies fn to a copy of the configuration, validates the result
// and writes it back to the file.
func (s *Store) Update(fn func(*Config)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := *s.cfg
	next.Library.Paths = slices.Clone(s.cfg.Library.Paths)
	fn(&next)
	if err := next.Validate(); err != nil {
		return err
	}
	if err := Save(&next, s.path); err != nil {
		return err
	}
	s.cfg = &next
	return nil
}

// Watch re-reads the file on change and hands validated configurations to
// onChange. Invalid edits are logged and ignored.
func (s *Store) Watch(onChange func(*Config)) {
	s.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := s.decode()
		if err != nil {
			s.logger.Warn().Err(err).Str("file", e.Name).Msg("Ignoring invalid config change")
			return
		}
		s.mu.Lock()
		s.cfg = cfg
		s.mu.Unlock()

		s.logger.Info().Str("file", e.Name).Str("op", e.Op.String()).Msg("Config reloaded")
		if onChange != nil {
			onChange(cfg)
		}
	})
	s.v.WatchConfig()
}

func (s *Store) decode() (*Config, error) {
	cfg := DefaultConfig()
	if err := s.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path as YAML.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// setDefaults registers every key of cfg so environment overrides and
// partial files resolve against the defaults.
func setDefaults(v *viper.Viper, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	var tree map[string]any
	if err := yaml.NewDecoder(bytes.NewReader(data)).Decode(&tree); err != nil {
		return err
	}
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, val := range m {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			if sub, ok := val.(map[string]any); ok {
				walk(key, sub)
				continue
			}
			v.SetDefault(key, val)
		}
	}
	walk("", tree)
	return nil
}
