package config

import (
	"strings"
	"testing"
	"time"

	"github.com/zsiec/remux/internal/pipeline"
)

func lookup(env map[string]string) func(string) string {
	return func(key string) string { return env[key] }
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := load(lookup(nil))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.OutputRoot != pipeline.DefaultOutputDir || cfg.SRTAddr != DefaultSRTAddr ||
		cfg.HTTPAddr != DefaultHTTPAddr || cfg.H3Addr != DefaultH3Addr {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "text" {
		t.Errorf("logging = %q %q", cfg.LogLevel, cfg.LogFormat)
	}
	opts := cfg.PipelineOptions()
	if opts.SegmentDuration != 0 || opts.PlaylistSize != 0 || opts.ProbeSize != 0 || opts.AnalyzeDuration != 0 {
		t.Errorf("options = %+v, want zero values", opts)
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()
	cfg, err := load(lookup(map[string]string{
		"REMUX_OUTPUT_ROOT":      "/var/lib/remux",
		"REMUX_SEGMENT_SECONDS":  "6",
		"REMUX_ANALYZE_SECONDS":  "2.5",
		"REMUX_PLAYLIST_SIZE":    "5",
		"REMUX_PROBE_SIZE":       "1048576",
		"REMUX_MAX_JOBS":         " 8 ",
		"REMUX_PIPE_DEPTH":       "16",
		"REMUX_MAX_UPLOAD_BYTES": "1024",
		"SRT_ADDR":               ":7000",
		"DATABASE_URL":           "postgres://localhost/remux",
		"REDIS_ADDR":             "localhost:6379",
		"LOG_LEVEL":              "warn",
		"LOG_FORMAT":             "json",
		"TLS_CERT_FILE":          "cert.pem",
		"TLS_KEY_FILE":           "key.pem",
	}))
	if err != nil {
		t.Fatal(err)
	}
	opts := cfg.PipelineOptions()
	if opts.SegmentDuration != 6*time.Second || opts.AnalyzeDuration != 2500*time.Millisecond ||
		opts.PlaylistSize != 5 || opts.ProbeSize != 1<<20 {
		t.Errorf("options = %+v", opts)
	}
	if cfg.OutputRoot != "/var/lib/remux" || cfg.MaxJobs != 8 || cfg.PipeDepth != 16 || cfg.MaxUploadBytes != 1024 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.SRTAddr != ":7000" || cfg.DatabaseURL == "" || cfg.RedisAddr != "localhost:6379" {
		t.Errorf("cfg = %+v", cfg)
	}
	if lc := cfg.Logging(); lc.Level != "warn" || lc.Format != "json" {
		t.Errorf("logging = %+v", lc)
	}
}

func TestLoadDebugOverridesLevel(t *testing.T) {
	t.Parallel()
	cfg, err := load(lookup(map[string]string{"LOG_LEVEL": "error", "DEBUG": "1"}))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("level = %q", cfg.LogLevel)
	}
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{name: "segment seconds", env: map[string]string{"REMUX_SEGMENT_SECONDS": "four"}, want: "REMUX_SEGMENT_SECONDS"},
		{name: "negative seconds", env: map[string]string{"REMUX_ANALYZE_SECONDS": "-1"}, want: "REMUX_ANALYZE_SECONDS"},
		{name: "playlist size", env: map[string]string{"REMUX_PLAYLIST_SIZE": "1.5"}, want: "REMUX_PLAYLIST_SIZE"},
		{name: "negative jobs", env: map[string]string{"REMUX_MAX_JOBS": "-2"}, want: "REMUX_MAX_JOBS"},
		{name: "cert without key", env: map[string]string{"TLS_CERT_FILE": "cert.pem"}, want: "TLS_KEY_FILE"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := load(lookup(tc.env))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("err = %v, want mention of %s", err, tc.want)
			}
		})
	}
}

func TestLoadJoinsErrors(t *testing.T) {
	t.Parallel()
	_, err := load(lookup(map[string]string{
		"REMUX_SEGMENT_SECONDS": "x",
		"REMUX_PROBE_SIZE":      "y",
	}))
	if err == nil || !strings.Contains(err.Error(), "REMUX_SEGMENT_SECONDS") || !strings.Contains(err.Error(), "REMUX_PROBE_SIZE") {
		t.Errorf("err = %v", err)
	}
}
