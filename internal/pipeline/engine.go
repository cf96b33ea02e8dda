package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zsiec/remux/internal/demux"
	"github.com/zsiec/remux/internal/hls"
	"github.com/zsiec/remux/internal/logging"
	"github.com/zsiec/remux/internal/mapper"
	"github.com/zsiec/remux/internal/media"
	"github.com/zsiec/remux/internal/source"
)

// Option defaults.
const (
	DefaultOutputDir       = "outputs"
	DefaultManifestName    = "output"
	DefaultSegmentDuration = 4 * time.Second
	DefaultProbeSize       = 100 << 20
	DefaultAnalyzeDuration = 20 * time.Second
)

// Options configures one job. Zero values take the defaults above.
type Options struct {
	// OutputDir receives the manifest and segments. It is created if
	// missing.
	OutputDir string
	// ManifestName is the manifest file name; ".m3u8" is appended when
	// it has no extension.
	ManifestName    string
	SegmentPattern  string
	SegmentDuration time.Duration
	// PlaylistSize limits the manifest to the newest entries, deleting
	// older segments. 0 keeps all.
	PlaylistSize int
	PlaylistType string

	ProbeSize       int64
	AnalyzeDuration time.Duration

	// Log is the job's logger; LogLevel, when set, filters it further.
	Log      *slog.Logger
	LogLevel slog.Leveler

	OnSegment func(hls.Segment)
}

func (o *Options) setDefaults() {
	if o.OutputDir == "" {
		o.OutputDir = DefaultOutputDir
	}
	if o.ManifestName == "" {
		o.ManifestName = DefaultManifestName
	}
	if filepath.Ext(o.ManifestName) == "" {
		o.ManifestName += ".m3u8"
	}
	if o.SegmentPattern == "" {
		o.SegmentPattern = hls.DefaultSegmentPattern
	}
	if o.SegmentDuration == 0 {
		o.SegmentDuration = DefaultSegmentDuration
	}
	if o.ProbeSize == 0 {
		o.ProbeSize = DefaultProbeSize
	}
	if o.AnalyzeDuration == 0 {
		o.AnalyzeDuration = DefaultAnalyzeDuration
	}
}

func (o *Options) validate() error {
	var errs []error
	if strings.ContainsAny(o.ManifestName, `/\`) {
		errs = append(errs, fmt.Errorf("manifest name %q must not contain a path separator", o.ManifestName))
	}
	if o.SegmentDuration < 0 {
		errs = append(errs, fmt.Errorf("negative segment duration %s", o.SegmentDuration))
	}
	if o.PlaylistSize < 0 {
		errs = append(errs, fmt.Errorf("negative playlist size %d", o.PlaylistSize))
	}
	if o.ProbeSize < 0 {
		errs = append(errs, fmt.Errorf("negative probe size %d", o.ProbeSize))
	}
	if o.AnalyzeDuration < 0 {
		errs = append(errs, fmt.Errorf("negative analyze duration %s", o.AnalyzeDuration))
	}
	return errors.Join(errs...)
}

// Result summarizes a finished job.
type Result struct {
	ManifestPath string
	Segments     []hls.Segment
	Duration     time.Duration
	Streams      []media.StreamDescriptor
	Relay        RelayStats
	BytesRead    int64
}

// Engine runs remux jobs. Jobs share nothing, so one Engine may run any
// number of them concurrently.
type Engine struct {
	log *slog.Logger
}

// NewEngine creates an engine logging to log, used for jobs whose Options
// carry no logger.
func NewEngine(log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{log: log}
}

// Run remuxes src into an HLS manifest and segments. src is closed when Run
// returns, and also when ctx is cancelled, which unblocks any pending read.
// The returned error wraps one of the media error kinds.
func (e *Engine) Run(ctx context.Context, src source.Source, opts Options) (res Result, err error) {
	defer src.Close()
	stop := context.AfterFunc(ctx, func() { src.Close() })
	defer stop()

	opts.setDefaults()
	if err := opts.validate(); err != nil {
		return res, fmt.Errorf("%w: invalid options: %w", media.ErrMuxerOpen, err)
	}
	log := opts.Log
	if log == nil {
		log = e.log
	}
	log = logging.WithLevel(log, opts.LogLevel)

	start := time.Now()
	defer func() {
		res.BytesRead = src.Stats().BytesRead
		if err != nil {
			log.Error("remux failed", "kind", media.ErrorKind(err), "error", err,
				"segments", len(res.Segments), "elapsed", time.Since(start))
			return
		}
		log.Info("remux complete", "manifest", res.ManifestPath, "segments", len(res.Segments),
			"duration", res.Duration, "elapsed", time.Since(start))
	}()

	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return res, fmt.Errorf("%w: create output directory: %w", media.ErrMuxerOpen, err)
	}

	dmx, err := demux.Open(ctx, src, demux.ProbeOptions{
		ProbeSize:       opts.ProbeSize,
		AnalyzeDuration: opts.AnalyzeDuration,
		Log:             log,
	})
	if err != nil {
		if ctx.Err() != nil {
			// Cancellation closed the source under the probe.
			return res, fmt.Errorf("%w: %w", media.ErrRead, context.Cause(ctx))
		}
		return res, err
	}
	in := dmx.Container()

	out, err := mapper.Map(in, "hls")
	if err != nil {
		return res, err
	}
	res.Streams = out.Streams

	independent := false
	for _, s := range out.Streams {
		independent = independent || s.Codec.IsVideo()
	}
	mux, err := hls.New(out, hls.Config{
		TargetDuration:      opts.SegmentDuration,
		Retention:           opts.PlaylistSize,
		SegmentPattern:      opts.SegmentPattern,
		ManifestPath:        filepath.Join(opts.OutputDir, opts.ManifestName),
		PlaylistType:        opts.PlaylistType,
		IndependentSegments: independent,
		OnSegment:           opts.OnSegment,
	}, log)
	if err != nil {
		return res, err
	}
	if err := mux.WriteHeader(); err != nil {
		return res, err
	}
	res.ManifestPath = mux.ManifestPath()

	relay := NewRelay(dmx, in, mux, out, log)
	err = relay.Run(ctx)

	res.Segments = mux.Segments()
	for _, s := range res.Segments {
		res.Duration += s.Duration
	}
	res.Relay = relay.Stats()
	return res, err
}
