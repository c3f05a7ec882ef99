// Package config declares the application configuration and its loader.
// Values come from a YAML file, environment variables with the ROLLBACK_
// prefix, and command line flags, in that order of precedence.
package config

import (
	"time"

	"github.com/spf13/pflag"
)

// App is the whole configuration of one game client.
type App struct {
	Game       Game
	Session    Session
	Monitoring Monitoring
}

// Game tunes the demo simulation itself.
type Game struct {
	FPS       int   `fig:"fps" default:"60"`
	ArenaSize int32 `fig:"arena_size" default:"400"`
	Speed     int32 `fig:"speed" default:"2"`
}

// Session tunes the rollback engine.
type Session struct {
	LocalPort     int      `fig:"local_port" default:"7000"`
	MaxPrediction int      `fig:"max_prediction" default:"8"`
	InputDelay    int      `fig:"input_delay" default:"0"`
	CheckDistance int      `fig:"check_distance" default:"2"`
	Protocol      Protocol `fig:"protocol"`
}

// Protocol tunes the peer link timers. Zero values fall back to the protocol
// package defaults.
type Protocol struct {
	SyncRoundtrips        int           `fig:"sync_roundtrips" default:"5"`
	SyncRetryInterval     time.Duration `fig:"sync_retry_interval" default:"200ms"`
	MaxSyncRetries        int           `fig:"max_sync_retries" default:"10"`
	QualityReportInterval time.Duration `fig:"quality_report_interval" default:"200ms"`
	KeepAliveInterval     time.Duration `fig:"keep_alive_interval" default:"200ms"`
	DisconnectTimeout     time.Duration `fig:"disconnect_timeout" default:"5000ms"`
	DisconnectNotifyStart time.Duration `fig:"disconnect_notify_start" default:"1500ms"`
}

// Monitoring configures the metrics/pprof endpoint.
type Monitoring struct {
	Port             int    `fig:"port" default:"6600"`
	URLPrefix        string `fig:"url_prefix"`
	MetricEnabled    bool   `fig:"metric_enabled"`
	ProfilingEnabled bool   `fig:"profiling_enabled"`
}

func (m *Monitoring) IsEnabled() bool { return m.MetricEnabled || m.ProfilingEnabled }

// WithFlags binds the tunables a player changes per run. Call after loading
// the file so flag defaults show the loaded values.
func (c *App) WithFlags(fs *pflag.FlagSet) *App {
	fs.IntVar(&c.Session.LocalPort, "port", c.Session.LocalPort, "UDP port to listen on")
	fs.IntVar(&c.Session.MaxPrediction, "prediction", c.Session.MaxPrediction, "Prediction window in frames")
	fs.IntVar(&c.Session.InputDelay, "delay", c.Session.InputDelay, "Local input delay in frames")
	fs.IntVar(&c.Game.FPS, "fps", c.Game.FPS, "Simulation rate")
	fs.BoolVar(&c.Monitoring.MetricEnabled, "monitoring.metric", c.Monitoring.MetricEnabled, "Enable the Prometheus endpoint")
	fs.BoolVar(&c.Monitoring.ProfilingEnabled, "monitoring.pprof", c.Monitoring.ProfilingEnabled, "Enable the pprof endpoint")
	return c
}
