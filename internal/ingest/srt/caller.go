package srt

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/remux/internal/ingest"
)

const dialTimeout = 10 * time.Second

// PullRequest describes a remote SRT listener that serves a framed payload.
type PullRequest struct {
	Address  string `json:"address"`
	Key      string `json:"key"`
	StreamID string `json:"streamId,omitempty"`
}

type activePull struct {
	req    PullRequest
	cancel context.CancelFunc
}

// Caller dials remote SRT listeners and feeds what they send into the
// ingest registry, one job per pull.
type Caller struct {
	log      *slog.Logger
	registry *ingest.Registry

	mu    sync.Mutex
	pulls map[string]*activePull
}

// NewCaller creates a Caller registering pulls with registry. If log is
// nil, slog.Default() is used.
func NewCaller(registry *ingest.Registry, log *slog.Logger) *Caller {
	if log == nil {
		log = slog.Default()
	}
	return &Caller{
		log:      log.With("component", "srt-caller"),
		registry: registry,
		pulls:    make(map[string]*activePull),
	}
}

// Pull dials the remote listener, returning once the connection is up or
// has failed. The transfer continues in the background.
func (c *Caller) Pull(ctx context.Context, req PullRequest) error {
	if req.Address == "" {
		return fmt.Errorf("address is required")
	}
	if req.Key == "" {
		return fmt.Errorf("key is required")
	}
	if c.active(req.Key) {
		return fmt.Errorf("%w: pull for %q", ingest.ErrDuplicateKey, req.Key)
	}

	c.log.Info("dialing", "address", req.Address, "key", req.Key)
	streamID := req.StreamID
	if streamID == "" {
		streamID = "ingest/" + req.Key
	}
	conn, err := dial(ctx, req.Address, streamID)
	if err != nil {
		return err
	}
	return c.start(ctx, req, conn)
}

func (c *Caller) active(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pulls[key]
	return ok
}

func (c *Caller) start(ctx context.Context, req PullRequest, conn *srtgo.Conn) error {
	// The pull outlives the request that started it.
	pullCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	c.mu.Lock()
	if _, exists := c.pulls[req.Key]; exists {
		c.mu.Unlock()
		cancel()
		conn.Close()
		return fmt.Errorf("%w: pull for %q", ingest.ErrDuplicateKey, req.Key)
	}
	c.pulls[req.Key] = &activePull{req: req, cancel: cancel}
	c.mu.Unlock()

	c.log.Info("connected", "address", req.Address, "key", req.Key)

	go func() {
		defer func() {
			cancel()
			conn.Close()
			c.mu.Lock()
			delete(c.pulls, req.Key)
			c.mu.Unlock()
		}()
		stop := context.AfterFunc(pullCtx, func() { conn.Close() })
		defer stop()

		h, err := c.registry.Accept(pullCtx, req.Key, req.Address, conn)
		logOutcome(c.log, req.Key, h, err)
	}()
	return nil
}

// Stop cancels the pull for key.
func (c *Caller) Stop(key string) error {
	c.mu.Lock()
	ap, ok := c.pulls[key]
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("no active pull for key %q", key)
	}
	ap.cancel()
	return nil
}

// ActivePulls lists the running pulls ordered by key.
func (c *Caller) ActivePulls() []PullRequest {
	c.mu.Lock()
	out := make([]PullRequest, 0, len(c.pulls))
	for _, ap := range c.pulls {
		out = append(out, ap.req)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// dial connects to addr, giving up after dialTimeout or when ctx ends.
func dial(ctx context.Context, addr, streamID string) (*srtgo.Conn, error) {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = latency
	cfg.StreamID = streamID

	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	type result struct {
		conn *srtgo.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := srtgo.Dial(addr, cfg)
		done <- result{conn, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("srt: dial %s: %w", addr, res.err)
		}
		return res.conn, nil
	case <-ctx.Done():
		// srtgo.Dial cannot be interrupted; close whatever it yields later.
		go func() {
			if res := <-done; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, fmt.Errorf("srt: dial %s: %w", addr, ctx.Err())
	}
}
