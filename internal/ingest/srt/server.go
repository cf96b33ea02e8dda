package srt

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/remux/internal/ingest"
	"github.com/zsiec/remux/internal/media"
)

// latency is the SRT receive latency in nanoseconds (120 ms).
const latency = 120_000_000

// Server is a listener-mode SRT endpoint. A publisher sends one framed
// payload per connection and the stream ID names the job key.
type Server struct {
	log      *slog.Logger
	addr     string
	registry *ingest.Registry
}

// NewServer creates a Server for addr. If log is nil, slog.Default() is used.
func NewServer(addr string, registry *ingest.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:      log.With("component", "srt-server"),
		addr:     addr,
		registry: registry,
	}
}

// Start listens and serves publishers until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = latency
	ln, err := srtgo.Listen(s.addr, cfg)
	if err != nil {
		return fmt.Errorf("srt: listen %s: %w", s.addr, err)
	}
	ln.SetAcceptRejectFunc(s.admit)
	context.AfterFunc(ctx, func() { ln.Close() })
	s.log.Info("listening", "addr", s.addr)

	for {
		conn, err := ln.Accept()
		if ctx.Err() != nil {
			if conn != nil {
				conn.Close()
			}
			return nil
		}
		if err != nil {
			s.log.Warn("accept failed", "error", err)
			continue
		}
		go s.serve(ctx, conn)
	}
}

// admit turns away handshakes without a stream ID and keys that are
// already ingesting, before any payload is sent.
func (s *Server) admit(req srtgo.ConnRequest) srtgo.RejectReason {
	if req.StreamID == "" {
		return srtgo.RejPeer
	}
	if _, busy := s.registry.Get(streamKey(req.StreamID)); busy {
		return srtgo.RejPeer
	}
	return 0
}

func (s *Server) serve(ctx context.Context, conn *srtgo.Conn) {
	defer conn.Close()
	key := streamKey(conn.StreamID())
	remote := conn.RemoteAddr().String()
	s.log.Info("publisher connected", "key", key, "remote", remote)

	// Closing the socket is the only way to unblock a pending read.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	h, err := s.registry.Accept(ctx, key, remote, conn)
	logOutcome(s.log, key, h, err)
}

// logOutcome reports how a transfer ended. A clean EOF after the payload
// is the normal case.
func logOutcome(log *slog.Logger, key string, h ingest.Header, err error) {
	attrs := []any{"key", key, "mime_type", h.MimeType}
	switch {
	case err == nil, errors.Is(err, io.EOF):
		log.Info("transfer complete", append(attrs, "file_size", h.FileSize)...)
	case errors.Is(err, media.ErrHeaderTruncated):
		log.Warn("connection closed before header", "key", key, "error", err)
	case errors.Is(err, ingest.ErrDuplicateKey):
		log.Warn("publish rejected", "key", key, "error", err)
	default:
		log.Info("transfer interrupted", append(attrs, "error", err)...)
	}
}

// streamKey maps an SRT stream ID to a job key. Plain IDs such as
// "/live/cam1" lose a leading slash and one "live" or "ingest" path
// element. Access-control IDs ("#!::r=cam1,m=publish") use their resource
// name. An empty key becomes "default".
func streamKey(streamID string) string {
	if fields, ok := strings.CutPrefix(streamID, "#!::"); ok {
		streamID = ""
		for _, kv := range strings.Split(fields, ",") {
			if r, ok := strings.CutPrefix(kv, "r="); ok {
				streamID = r
				break
			}
		}
	}
	key := strings.TrimPrefix(streamID, "/")
	if first, rest, ok := strings.Cut(key, "/"); ok && (first == "live" || first == "ingest") {
		key = rest
	}
	return cmp.Or(key, "default")
}
