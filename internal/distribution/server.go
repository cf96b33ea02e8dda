// Package distribution serves the remux HTTP API and the HLS output over
// HTTPS and HTTP/3.
package distribution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/remux/internal/certs"
	"github.com/zsiec/remux/internal/ingest"
	"github.com/zsiec/remux/internal/job"
	"github.com/zsiec/remux/internal/media"
	"github.com/zsiec/remux/internal/source"
	"github.com/zsiec/remux/internal/store"
)

// DefaultMaxUploadBytes caps request bodies when ServerConfig.MaxUploadBytes
// is 0.
const DefaultMaxUploadBytes = 4 << 30

// uploadMemory is how much of a multipart upload is held in memory before
// spilling to a temporary file.
const uploadMemory = 32 << 20

const shutdownTimeout = 5 * time.Second

// Jobs is the job manager the server drives. *job.Manager implements it.
type Jobs interface {
	Start(key, transport string, h ingest.Header, src source.Source) (*job.Job, error)
	Get(ctx context.Context, id string) (store.Job, error)
	List(ctx context.Context, limit int) ([]store.Job, error)
	Active() []store.Job
	Cancel(id string) error
	OutputDir(id string) (string, bool)
}

// IngestLister returns the in-flight registry ingests.
type IngestLister func() []ingest.Stats

// SRTPullFunc starts an SRT caller-mode pull.
type SRTPullFunc func(address, key, streamID string) error

// SRTStopFunc stops an active SRT pull by key.
type SRTStopFunc func(key string) error

// SRTListFunc returns all active SRT pulls.
type SRTListFunc func() []SRTPullInfo

// SRTPullInfo describes an active SRT caller-mode pull, returned by the
// /api/srt-pull GET endpoint.
type SRTPullInfo struct {
	Address  string `json:"address"`
	Key      string `json:"key"`
	StreamID string `json:"streamId,omitempty"`
}

// ServerConfig holds the listen addresses, TLS certificate, job manager and
// optional ingest hooks of a Server.
type ServerConfig struct {
	// Addr is the HTTPS (TCP) listen address.
	Addr string
	// H3Addr is the HTTP/3 (UDP) listen address. HTTPS responses advertise
	// it with Alt-Svc.
	H3Addr string
	Cert   *certs.CertInfo
	Jobs   Jobs

	// MaxUploadBytes bounds upload and ingest request bodies.
	MaxUploadBytes int64
	// PipeDepth is the chunk depth of the pipe between a request body and
	// its job.
	PipeDepth int

	Ingests IngestLister
	SRTPull SRTPullFunc
	SRTStop SRTStopFunc
	SRTList SRTListFunc

	Log *slog.Logger
}

// Server serves the job API, the upload and framed ingest endpoints and
// each job's HLS output.
type Server struct {
	config ServerConfig
	log    *slog.Logger
	h3     *http3.Server
}

// NewServer creates a distribution Server with the given configuration.
// It returns an error if required fields are missing.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Cert == nil {
		return nil, errors.New("distribution: Cert is required")
	}
	if config.Jobs == nil {
		return nil, errors.New("distribution: Jobs is required")
	}
	if config.Addr == "" && config.H3Addr == "" {
		return nil, errors.New("distribution: Addr or H3Addr is required")
	}
	if config.MaxUploadBytes <= 0 {
		config.MaxUploadBytes = DefaultMaxUploadBytes
	}
	log := config.Log
	if log == nil {
		log = slog.Default()
	}
	return &Server{config: config, log: log.With("component", "distribution")}, nil
}

func (s *Server) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("OPTIONS /api/", s.handlePreflight)
	mux.HandleFunc("GET /api/cert-hash", s.handleCertHash)
	mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("DELETE /api/jobs/{id}", s.handleCancelJob)
	mux.HandleFunc("POST /api/upload", s.handleUpload)
	mux.HandleFunc("POST /api/ingest", s.handleIngest)
	mux.HandleFunc("GET /api/ingests", s.handleListIngests)
	mux.HandleFunc("GET /api/srt-pull", s.handleSRTPullList)
	mux.HandleFunc("POST /api/srt-pull", s.handleSRTPullCreate)
	mux.HandleFunc("DELETE /api/srt-pull", s.handleSRTPullStop)
	mux.HandleFunc("GET /hls/{id}/{name}", s.handleHLS)
}

// APIHandler returns the handler shared by the HTTPS and HTTP/3 listeners.
func (s *Server) APIHandler() http.Handler {
	mux := http.NewServeMux()
	s.registerAPIRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

// altSvcMiddleware advertises the HTTP/3 listener once it is serving.
func altSvcMiddleware(h3 *http3.Server, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = h3.SetQUICHeaders(w.Header())
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// Start runs the configured listeners and blocks until the context is
// cancelled or one of them fails.
func (s *Server) Start(ctx context.Context) error {
	tlsConfig := s.config.Cert.TLSConfig()
	handler := s.APIHandler()

	g, ctx := errgroup.WithContext(ctx)

	if s.config.H3Addr != "" {
		s.h3 = &http3.Server{
			Addr:      s.config.H3Addr,
			Handler:   handler,
			TLSConfig: tlsConfig,
			QUICConfig: &quic.Config{
				MaxIdleTimeout: 30 * time.Second,
				Allow0RTT:      true,
			},
		}
		handler = altSvcMiddleware(s.h3, handler)

		g.Go(func() error {
			s.log.Info("HTTP/3 server listening", "addr", s.config.H3Addr)
			stop := context.AfterFunc(ctx, func() { s.h3.Close() })
			defer stop()
			err := s.h3.ListenAndServe()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("http3 server: %w", err)
		})
	}

	if s.config.Addr != "" {
		httpsSrv := &http.Server{
			Addr:              s.config.Addr,
			Handler:           handler,
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			s.log.Info("HTTPS server listening", "addr", s.config.Addr)
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("https server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			return httpsSrv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

type certHashResponse struct {
	Hash   string `json:"hash"`
	Addr   string `json:"addr"`
	H3Addr string `json:"h3Addr,omitempty"`
}

func (s *Server) handleCertHash(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, certHashResponse{
		Hash:   s.config.Cert.FingerprintBase64(),
		Addr:   s.config.Addr,
		H3Addr: s.config.H3Addr,
	})
}

func (s *Server) handlePreflight(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("active") != "" {
		writeJSON(w, http.StatusOK, s.config.Jobs.Active())
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	jobs, err := s.config.Jobs.List(r.Context(), limit)
	if err != nil {
		s.log.Error("list jobs", "error", err)
		writeError(w, http.StatusInternalServerError, "listing jobs failed")
		return
	}
	if jobs == nil {
		jobs = []store.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	rec, err := s.config.Jobs.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.log.Error("get job", "job", r.PathValue("id"), "error", err)
		writeError(w, http.StatusInternalServerError, "loading job failed")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.config.Jobs.Cancel(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling", "id": id})
}

// jobResponse is returned by the upload and ingest endpoints once the job
// has finished.
type jobResponse struct {
	Job   store.Job `json:"job"`
	Error string    `json:"error,omitempty"`
	Kind  string    `json:"kind,omitempty"`
}

// handleUpload turns a multipart "file" upload into a job: the header is
// built from the upload's metadata and framed ahead of the file bytes, the
// same stream an ingest client would send.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)
	if err := r.ParseMultipartForm(uploadMemory); err != nil {
		code := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			code = http.StatusRequestEntityTooLarge
		}
		writeError(w, code, fmt.Sprintf("parse upload: %v", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, fh, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	h := uploadHeader(fh.Filename, fh.Header.Get("Content-Type"), fh.Size)
	s.runJob(w, r, r.FormValue("key"), "upload", ingest.Frame(h, file))
}

// uploadHeader describes an uploaded file. A missing or generic part type
// falls back to the type registered for the file extension.
func uploadHeader(filename, contentType string, size int64) ingest.Header {
	ext := filepath.Ext(filename)
	if ct, _, err := mime.ParseMediaType(contentType); err == nil && ct != "application/octet-stream" {
		contentType = ct
	} else {
		contentType = ""
		if byExt, _, err := mime.ParseMediaType(mime.TypeByExtension(ext)); err == nil {
			contentType = byExt
		}
	}
	return ingest.Header{
		FileSize:  size,
		MimeType:  contentType,
		Extension: strings.TrimPrefix(ext, "."),
	}
}

// handleIngest runs a job on a body that is already framed: an ingestion
// header followed by the media bytes.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)
	s.runJob(w, r, r.URL.Query().Get("key"), "ingest", body)
}

func (s *Server) runJob(w http.ResponseWriter, r *http.Request, key, transport string, framed io.Reader) {
	body := &requestBody{r: framed}
	defer body.Close()

	h, src, err := ingest.Receive(r.Context(), body, s.config.PipeDepth)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, jobResponse{Error: err.Error(), Kind: media.ErrorKind(err)})
		return
	}

	j, err := s.config.Jobs.Start(key, transport, h, src)
	switch {
	case errors.Is(err, job.ErrDuplicateKey):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, job.ErrShutdown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	rec, err := j.Wait(r.Context())
	if err != nil && r.Context().Err() != nil {
		// The client is gone; stop the job and let it settle before the
		// request body goes away.
		if cerr := s.config.Jobs.Cancel(j.ID); cerr != nil {
			// Already finished.
			s.log.Debug("cancel job", "job", j.ID, "error", cerr)
		}
		<-j.Done()
		s.log.Info("client disconnected", "job", j.ID, "key", j.Key, "transport", transport)
		return
	}
	if err != nil {
		s.log.Warn("job failed", "job", j.ID, "key", j.Key, "transport", transport, "error", err)
		writeJSON(w, statusForKind(media.ErrorKind(err)), jobResponse{
			Job:   rec,
			Error: err.Error(),
			Kind:  media.ErrorKind(err),
		})
		return
	}
	writeJSON(w, http.StatusCreated, jobResponse{Job: rec})
}

// requestBody serializes reads of a request body with Close, so no read
// started by the ingest pump outlives the handler.
type requestBody struct {
	mu     sync.Mutex
	r      io.Reader
	closed bool
}

func (b *requestBody) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, io.ErrClosedPipe
	}
	return b.r.Read(p)
}

// Close waits for an in-flight Read and fails later ones.
func (b *requestBody) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

// statusForKind maps a job's error kind to the response status: bad input
// is the client's fault, everything on the output side is ours.
func statusForKind(kind string) int {
	switch kind {
	case "header_truncated", "read":
		return http.StatusBadRequest
	case "open", "probe", "mapping":
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleListIngests(w http.ResponseWriter, _ *http.Request) {
	if s.config.Ingests == nil {
		writeJSON(w, http.StatusOK, []ingest.Stats{})
		return
	}
	ingests := s.config.Ingests()
	if ingests == nil {
		ingests = []ingest.Stats{}
	}
	writeJSON(w, http.StatusOK, ingests)
}

// SECURITY: The SRT pull endpoint accepts arbitrary addresses, which could be
// used for SSRF if exposed to untrusted clients. In production, this endpoint
// should be restricted to authenticated operators or internal networks.
func (s *Server) handleSRTPullList(w http.ResponseWriter, _ *http.Request) {
	if s.config.SRTList == nil {
		writeJSON(w, http.StatusOK, []SRTPullInfo{})
		return
	}
	pulls := s.config.SRTList()
	if pulls == nil {
		pulls = []SRTPullInfo{}
	}
	writeJSON(w, http.StatusOK, pulls)
}

func (s *Server) handleSRTPullCreate(w http.ResponseWriter, r *http.Request) {
	if s.config.SRTPull == nil {
		writeError(w, http.StatusNotImplemented, "SRT pull not configured")
		return
	}
	var req SRTPullInfo
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Address == "" || req.Key == "" {
		writeError(w, http.StatusBadRequest, "address and key are required")
		return
	}
	if err := s.config.SRTPull(req.Address, req.Key, req.StreamID); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "pulling", "key": req.Key})
}

func (s *Server) handleSRTPullStop(w http.ResponseWriter, r *http.Request) {
	if s.config.SRTStop == nil {
		writeError(w, http.StatusNotImplemented, "SRT pull not configured")
		return
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "key query parameter required")
		return
	}
	if err := s.config.SRTStop(key); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "key": key})
}

// HLS content types; segments are MPEG-TS.
const (
	playlistContentType = "application/vnd.apple.mpegurl"
	segmentContentType  = "video/mp2t"
)

// handleHLS serves one file from a job's output directory. The manifest of
// a running job changes with every segment, so it is never cached.
func (s *Server) handleHLS(w http.ResponseWriter, r *http.Request) {
	dir, ok := s.config.Jobs.OutputDir(r.PathValue("id"))
	name := r.PathValue("name")
	if !ok || name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		http.NotFound(w, r)
		return
	}

	var contentType string
	switch strings.ToLower(filepath.Ext(name)) {
	case ".m3u8":
		contentType = playlistContentType
		w.Header().Set("Cache-Control", "no-cache")
	case ".ts":
		contentType = segmentContentType
	default:
		http.NotFound(w, r)
		return
	}

	f, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil || fi.IsDir() {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", contentType)
	http.ServeContent(w, r, name, fi.ModTime(), f)
}
