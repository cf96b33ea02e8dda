// Command remux converts media into HLS: from a file on the command line,
// or as a service accepting SRT, framed HTTP ingest and uploads.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/remux/internal/certs"
	"github.com/zsiec/remux/internal/config"
	"github.com/zsiec/remux/internal/distribution"
	"github.com/zsiec/remux/internal/ingest"
	srtingest "github.com/zsiec/remux/internal/ingest/srt"
	"github.com/zsiec/remux/internal/job"
	"github.com/zsiec/remux/internal/logging"
	"github.com/zsiec/remux/internal/media"
	"github.com/zsiec/remux/internal/notify"
	"github.com/zsiec/remux/internal/pipeline"
	"github.com/zsiec/remux/internal/source"
	"github.com/zsiec/remux/internal/store"
	"github.com/zsiec/remux/internal/tsgen"
)

var version = "dev"

const shutdownTimeout = 10 * time.Second

const usage = `Usage:
  remux [flags] <input> <manifest-name>   convert a file into outputs/<manifest-name>.m3u8
  remux serve                             run the ingest and HLS service
  remux push [flags] <file>               send a file to an SRT ingest listener
  remux gen [flags] <out.ts>              write a synthetic MPEG-TS test stream
`

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "remux: %v\n", err)
		os.Exit(2)
	}
	log := logging.New(cfg.Logging())
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 {
		cmd = args[0]
	}
	switch cmd {
	case "serve":
		err = serve(ctx, cfg, log)
	case "push":
		err = push(ctx, args[1:])
	case "gen":
		err = gen(args[1:])
	case "version":
		fmt.Println(version)
	default:
		err = convert(ctx, cfg, log, args)
	}
	if err != nil {
		log.Error("remux failed", "kind", media.ErrorKind(err), "error", err)
		os.Exit(1)
	}
}

// convert runs one job over a local file.
func convert(ctx context.Context, cfg config.Config, log *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("remux", flag.ContinueOnError)
	fs.Usage = func() { fmt.Fprint(fs.Output(), usage) }
	outDir := fs.String("out", cfg.OutputRoot, "output directory")
	segment := fs.Duration("segment", cfg.SegmentDuration, "target segment duration (default 4s)")
	listSize := fs.Int("list-size", cfg.PlaylistSize, "keep only the newest N segments (0 keeps all)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		fs.Usage()
		return errors.New("expected <input> <manifest-name>")
	}

	src, err := source.OpenFile(fs.Arg(0))
	if err != nil {
		return err
	}
	opts := cfg.PipelineOptions()
	opts.OutputDir = *outDir
	opts.ManifestName = fs.Arg(1)
	opts.SegmentDuration = *segment
	opts.PlaylistSize = *listSize

	res, err := pipeline.NewEngine(log).Run(ctx, src, opts)
	if err != nil {
		return err
	}
	fmt.Println(res.ManifestPath)
	return nil
}

func serve(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	cert, err := loadCert(cfg, log)
	if err != nil {
		return err
	}

	var st store.Store = store.NewMemory()
	if cfg.DatabaseURL != "" {
		if st, err = store.OpenPostgres(ctx, cfg.DatabaseURL); err != nil {
			return err
		}
		log.Info("job records in postgres")
	}
	defer st.Close()

	var n notify.Notifier = notify.Nop{}
	if cfg.RedisAddr != "" {
		if n, err = notify.NewRedis(ctx, notify.RedisConfig{Addr: cfg.RedisAddr, Stream: cfg.RedisStream}); err != nil {
			return err
		}
		log.Info("publishing job events to redis", "addr", cfg.RedisAddr)
	}
	defer n.Close()

	mgr := job.NewManager(job.Config{
		OutputRoot: cfg.OutputRoot,
		MaxJobs:    cfg.MaxJobs,
		Options:    cfg.PipelineOptions(),
	}, st, n, log)

	registry := ingest.NewRegistry(cfg.PipeDepth, mgr.OnIngest, ingest.RegistryOptTransport("srt"))
	caller := srtingest.NewCaller(registry, log)
	srtSrv := srtingest.NewServer(cfg.SRTAddr, registry, log)

	distSrv, err := distribution.NewServer(distribution.ServerConfig{
		Addr:           cfg.HTTPAddr,
		H3Addr:         cfg.H3Addr,
		Cert:           cert,
		Jobs:           mgr,
		MaxUploadBytes: cfg.MaxUploadBytes,
		PipeDepth:      cfg.PipeDepth,
		Ingests:        registry.List,
		SRTPull: func(address, key, streamID string) error {
			return caller.Pull(ctx, srtingest.PullRequest{Address: address, Key: key, StreamID: streamID})
		},
		SRTStop: caller.Stop,
		SRTList: func() []distribution.SRTPullInfo {
			pulls := caller.ActivePulls()
			out := make([]distribution.SRTPullInfo, len(pulls))
			for i, p := range pulls {
				out[i] = distribution.SRTPullInfo{Address: p.Address, Key: p.Key, StreamID: p.StreamID}
			}
			return out
		},
		Log: log,
	})
	if err != nil {
		return err
	}

	log.Info("remux starting",
		"version", version,
		"srt", cfg.SRTAddr,
		"https", cfg.HTTPAddr,
		"http3", cfg.H3Addr,
		"output_root", cfg.OutputRoot,
		"cert_hash", cert.FingerprintBase64(),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srtSrv.Start(ctx) })
	g.Go(func() error { return distSrv.Start(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return mgr.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func loadCert(cfg config.Config, log *slog.Logger) (*certs.CertInfo, error) {
	if cfg.CertFile != "" {
		return certs.Load(cfg.CertFile, cfg.KeyFile)
	}
	log.Info("generating self-signed certificate")
	cert, err := certs.Generate(certs.DefaultValidity)
	if err != nil {
		return nil, fmt.Errorf("generate cert: %w", err)
	}
	log.Info("certificate generated",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)
	return cert, nil
}

// push sends a file to an SRT listener with a header describing it.
func push(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("push", flag.ContinueOnError)
	addr := fs.String("addr", "127.0.0.1"+config.DefaultSRTAddr, "SRT ingest address")
	key := fs.String("key", "", "ingest key (default: file name without extension)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("push: expected one file")
	}
	path := fs.Arg(0)

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}

	ext := filepath.Ext(path)
	if *key == "" {
		*key = strings.TrimSuffix(filepath.Base(path), ext)
	}
	h := ingest.Header{
		FileSize:  fi.Size(),
		MimeType:  mime.TypeByExtension(ext),
		Extension: strings.TrimPrefix(ext, "."),
	}

	start := time.Now()
	sent, err := srtingest.Push(ctx, *addr, *key, h, f)
	if err != nil {
		return err
	}
	slog.Info("push complete", "key", *key, "bytes", sent, "elapsed", time.Since(start))
	return nil
}

// gen writes a synthetic H.264/AAC transport stream.
func gen(args []string) error {
	fs := flag.NewFlagSet("gen", flag.ContinueOnError)
	duration := fs.Duration("duration", 10*time.Second, "stream duration")
	audio := fs.Bool("audio", true, "include an AAC track")
	captions := fs.Bool("captions", false, "embed CEA-608 captions")
	fps := fs.Int("fps", 25, "video frame rate")
	gop := fs.Duration("gop", time.Second, "keyframe interval")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("gen: expected an output file")
	}

	data, err := tsgen.MPEGTS(tsgen.Config{
		Duration:         *duration,
		Video:            true,
		FrameRate:        *fps,
		KeyframeInterval: *gop,
		Captions:         *captions,
		Audio:            *audio,
	})
	if err != nil {
		return err
	}
	return os.WriteFile(fs.Arg(0), data, 0o644)
}
