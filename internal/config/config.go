// Package config loads the remux service configuration from the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/zsiec/remux/internal/logging"
	"github.com/zsiec/remux/internal/pipeline"
)

// Listener defaults.
const (
	DefaultSRTAddr  = ":6000"
	DefaultHTTPAddr = ":4444"
	DefaultH3Addr   = ":4443"
)

// Config is the service configuration. Zero numeric values leave the
// pipeline and job manager defaults in place.
type Config struct {
	OutputRoot      string
	SegmentDuration time.Duration
	PlaylistSize    int
	ProbeSize       int64
	AnalyzeDuration time.Duration
	MaxJobs         int
	PipeDepth       int
	MaxUploadBytes  int64

	SRTAddr  string
	HTTPAddr string
	H3Addr   string
	CertFile string
	KeyFile  string

	DatabaseURL string
	RedisAddr   string
	RedisStream string

	LogLevel  string
	LogFormat string
}

// Load reads the configuration from environment variables.
func Load() (Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (Config, error) {
	env := func(key, fallback string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return fallback
	}

	cfg := Config{
		OutputRoot:  env("REMUX_OUTPUT_ROOT", pipeline.DefaultOutputDir),
		SRTAddr:     env("SRT_ADDR", DefaultSRTAddr),
		HTTPAddr:    env("HTTP_ADDR", DefaultHTTPAddr),
		H3Addr:      env("H3_ADDR", DefaultH3Addr),
		CertFile:    env("TLS_CERT_FILE", ""),
		KeyFile:     env("TLS_KEY_FILE", ""),
		DatabaseURL: env("DATABASE_URL", ""),
		RedisAddr:   env("REDIS_ADDR", ""),
		RedisStream: env("REDIS_STREAM", ""),
		LogLevel:    env("LOG_LEVEL", "info"),
		LogFormat:   env("LOG_FORMAT", logging.FormatText),
	}
	if env("DEBUG", "") != "" {
		cfg.LogLevel = "debug"
	}

	var errs []error
	seconds := func(key string, dst *time.Duration) {
		v := env(key, "")
		if v == "" {
			return
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			errs = append(errs, fmt.Errorf("parse %s: %q is not a non-negative number of seconds", key, v))
			return
		}
		*dst = time.Duration(f * float64(time.Second))
	}
	integer := func(key string, dst *int64) {
		v := env(key, "")
		if v == "" {
			return
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			errs = append(errs, fmt.Errorf("parse %s: %q is not a non-negative integer", key, v))
			return
		}
		*dst = n
	}

	var playlistSize, maxJobs, pipeDepth int64
	seconds("REMUX_SEGMENT_SECONDS", &cfg.SegmentDuration)
	seconds("REMUX_ANALYZE_SECONDS", &cfg.AnalyzeDuration)
	integer("REMUX_PLAYLIST_SIZE", &playlistSize)
	integer("REMUX_PROBE_SIZE", &cfg.ProbeSize)
	integer("REMUX_MAX_JOBS", &maxJobs)
	integer("REMUX_PIPE_DEPTH", &pipeDepth)
	integer("REMUX_MAX_UPLOAD_BYTES", &cfg.MaxUploadBytes)
	cfg.PlaylistSize = int(playlistSize)
	cfg.MaxJobs = int(maxJobs)
	cfg.PipeDepth = int(pipeDepth)

	if (cfg.CertFile == "") != (cfg.KeyFile == "") {
		errs = append(errs, errors.New("TLS_CERT_FILE and TLS_KEY_FILE must be set together"))
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// PipelineOptions returns the job template for the job manager.
func (c Config) PipelineOptions() pipeline.Options {
	return pipeline.Options{
		SegmentDuration: c.SegmentDuration,
		PlaylistSize:    c.PlaylistSize,
		ProbeSize:       c.ProbeSize,
		AnalyzeDuration: c.AnalyzeDuration,
	}
}

// Logging returns the process logger configuration.
func (c Config) Logging() logging.Config {
	return logging.Config{Level: c.LogLevel, Format: c.LogFormat}
}
