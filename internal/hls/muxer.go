// Package hls writes a stream-copied program as rolling MPEG-TS segment
// files plus a media playlist.
package hls

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zsiec/remux/internal/media"
	"github.com/zsiec/remux/internal/mpegts"
)

// Defaults applied by New to zero Config fields.
const (
	DefaultTargetDuration = 4 * time.Second
	DefaultSegmentPattern = "segment%03d.ts"
)

const writeBufferSize = 64 * 1024

// Config controls segmenting and playlist output.
type Config struct {
	// TargetDuration is the minimum segment length. Segments are cut at the
	// first reference-stream keyframe at or after it.
	TargetDuration time.Duration
	// Retention is the number of playlist entries kept; older segment files
	// are deleted. 0 keeps everything.
	Retention int
	// SegmentPattern names segment files. It must contain exactly one
	// integer verb and is resolved against the manifest's directory.
	SegmentPattern string
	ManifestPath   string
	// PlaylistType is "", "vod" or "event".
	PlaylistType string
	// IndependentSegments marks every segment as starting with a keyframe.
	IndependentSegments bool
	// OnSegment is called after each segment is listed in the manifest.
	OnSegment func(Segment)
}

func (c *Config) setDefaults() {
	if c.TargetDuration == 0 {
		c.TargetDuration = DefaultTargetDuration
	}
	if c.SegmentPattern == "" {
		c.SegmentPattern = DefaultSegmentPattern
	}
}

func (c *Config) validate() error {
	if c.ManifestPath == "" {
		return errors.New("manifest path is required")
	}
	if c.TargetDuration < 0 {
		return fmt.Errorf("negative target duration %s", c.TargetDuration)
	}
	if c.Retention < 0 {
		return fmt.Errorf("negative retention %d", c.Retention)
	}
	switch c.PlaylistType {
	case "", PlaylistVOD, PlaylistEvent:
	default:
		return fmt.Errorf("unknown playlist type %q", c.PlaylistType)
	}
	if n, err := countIntVerbs(c.SegmentPattern); err != nil {
		return fmt.Errorf("segment pattern %q: %w", c.SegmentPattern, err)
	} else if n != 1 {
		return fmt.Errorf("segment pattern %q: want exactly one integer verb, got %d", c.SegmentPattern, n)
	}
	return nil
}

// countIntVerbs counts %d verbs in a printf pattern, rejecting any other verb.
func countIntVerbs(pattern string) (int, error) {
	n := 0
	for i := 0; i < len(pattern); i++ {
		if pattern[i] != '%' {
			continue
		}
		i++
		for i < len(pattern) && strings.IndexByte("-+ #0123456789", pattern[i]) >= 0 {
			i++
		}
		if i >= len(pattern) {
			return 0, errors.New("dangling %")
		}
		switch pattern[i] {
		case '%':
		case 'd':
			n++
		default:
			return 0, fmt.Errorf("unsupported verb %%%c", pattern[i])
		}
	}
	return n, nil
}

// Muxer cuts packets into segments. Segment boundaries follow the reference
// stream: the first video stream, or stream 0 when there is no video. It is
// not safe for concurrent use.
type Muxer struct {
	cfg    Config
	log    *slog.Logger
	out    *media.OutputContainer
	ts     *mpegts.Muxer
	dir    string
	target int64

	ref      int
	refVideo bool

	file    *os.File
	bw      *bufio.Writer
	cur     Segment
	packets int
	begin   int64 // ts.BytesWritten at segment open

	lastRefPTS int64
	lastRefDur int64
	lastDTS    []int64

	playlist Playlist
	produced []Segment

	opened    bool
	finalized bool
	finalErr  error
	err       error
}

// New validates cfg and prepares a muxer for out. No files are created until
// WriteHeader.
func New(out *media.OutputContainer, cfg Config, log *slog.Logger) (*Muxer, error) {
	if log == nil {
		log = slog.Default()
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: hls: %w", media.ErrMuxerOpen, err)
	}
	if out == nil || len(out.Streams) == 0 {
		return nil, fmt.Errorf("%w: hls: no output streams", media.ErrMuxerOpen)
	}

	m := &Muxer{
		cfg:        cfg,
		log:        log.With("component", "hls"),
		out:        out,
		dir:        filepath.Dir(cfg.ManifestPath),
		target:     media.MPEGTSTimeBase.FromDuration(cfg.TargetDuration),
		lastRefPTS: media.NoTS,
		lastDTS:    make([]int64, len(out.Streams)),
		playlist: Playlist{
			TargetDuration: cfg.TargetDuration,
			Retention:      cfg.Retention,
			Type:           cfg.PlaylistType,
			Independent:    cfg.IndependentSegments,
		},
	}
	for i := range m.lastDTS {
		m.lastDTS[i] = media.NoTS
	}
	for i, s := range out.Streams {
		if s.Codec.IsVideo() {
			m.ref, m.refVideo = i, true
			break
		}
	}
	return m, nil
}

// WriteHeader registers the streams, opens the first segment and writes an
// empty manifest. Failures wrap media.ErrMuxerOpen.
func (m *Muxer) WriteHeader() error {
	if m.opened {
		return fmt.Errorf("%w: hls: header already written", media.ErrMuxerOpen)
	}
	m.ts = mpegts.NewMuxer(nil)
	for i, s := range m.out.Streams {
		st, err := streamType(s.Codec)
		if err != nil {
			return fmt.Errorf("%w: hls: stream %d: %w", media.ErrMuxerOpen, i, err)
		}
		if _, err := m.ts.AddStream(st); err != nil {
			return fmt.Errorf("%w: hls: stream %d: %w", media.ErrMuxerOpen, i, err)
		}
	}
	if err := m.openSegment(0, media.NoTS); err != nil {
		m.closeFile()
		return fmt.Errorf("%w: %w", media.ErrMuxerOpen, err)
	}
	if err := m.playlist.WriteFile(m.cfg.ManifestPath); err != nil {
		m.closeFile()
		return fmt.Errorf("%w: hls: write manifest: %w", media.ErrMuxerOpen, err)
	}
	m.opened = true
	m.log.Debug("output opened", "manifest", m.cfg.ManifestPath, "streams", len(m.out.Streams),
		"referenceStream", m.ref, "targetDuration", m.cfg.TargetDuration)
	return nil
}

func streamType(c media.Codec) (uint8, error) {
	switch c {
	case media.CodecH264:
		return mpegts.StreamTypeH264, nil
	case media.CodecH265:
		return mpegts.StreamTypeH265, nil
	case media.CodecAAC:
		return mpegts.StreamTypeAAC, nil
	}
	return 0, fmt.Errorf("codec %q cannot be carried in MPEG-TS", c)
}

// WritePacket appends pkt, whose timestamps must be in the 90 kHz output
// clock, starting a new segment first when pkt is a cut point. Write
// failures wrap media.ErrWrite and are terminal.
func (m *Muxer) WritePacket(pkt *media.Packet) error {
	switch {
	case !m.opened:
		return fmt.Errorf("%w: hls: header not written", media.ErrWrite)
	case m.finalized:
		return fmt.Errorf("%w: hls: muxer finalized", media.ErrWrite)
	case m.err != nil:
		return m.err
	case pkt.StreamIndex < 0 || pkt.StreamIndex >= len(m.out.Streams):
		return fmt.Errorf("%w: hls: stream index %d out of range", media.ErrWrite, pkt.StreamIndex)
	}

	pts, dts := pkt.PTS, pkt.DTS
	if dts == media.NoTS {
		dts = pts
	}
	if pts == media.NoTS {
		pts = dts
	}
	if dts == media.NoTS {
		dts = max(m.lastDTS[pkt.StreamIndex], 0)
		pts = dts
	}

	if pkt.StreamIndex == m.ref {
		if m.cur.Start == media.NoTS {
			m.cur.Start = pts
		} else if m.isCut(pkt, pts) {
			if err := m.rollover(pts); err != nil {
				m.err = fmt.Errorf("%w: %w", media.ErrWrite, err)
				return m.err
			}
		}
		m.trackReference(pkt, pts)
	}

	if err := m.ts.WritePES(pkt.StreamIndex, pkt.Data, pts, dts, pkt.Keyframe); err != nil {
		m.err = fmt.Errorf("%w: hls: segment %d: %w", media.ErrWrite, m.cur.Sequence, err)
		return m.err
	}
	m.lastDTS[pkt.StreamIndex] = dts
	m.packets++
	return nil
}

func (m *Muxer) isCut(pkt *media.Packet, pts int64) bool {
	if m.refVideo && !pkt.Keyframe {
		return false
	}
	return m.packets > 0 && pts-m.cur.Start >= m.target
}

// trackReference remembers where the reference stream's latest packet ends,
// which closes the final segment.
func (m *Muxer) trackReference(pkt *media.Packet, pts int64) {
	switch {
	case pkt.Duration > 0:
		m.lastRefDur = pkt.Duration
	case m.lastRefPTS != media.NoTS && pts > m.lastRefPTS:
		m.lastRefDur = pts - m.lastRefPTS
	}
	if m.lastRefPTS == media.NoTS || pts > m.lastRefPTS {
		m.lastRefPTS = pts
	}
}

func (m *Muxer) segmentPath(seq int) (path, uri string) {
	name := fmt.Sprintf(m.cfg.SegmentPattern, seq)
	path = name
	if !filepath.IsAbs(name) {
		path = filepath.Join(m.dir, name)
	}
	uri = filepath.ToSlash(name)
	if rel, err := filepath.Rel(m.dir, path); err == nil {
		uri = filepath.ToSlash(rel)
	}
	return path, uri
}

func (m *Muxer) openSegment(seq int, start int64) error {
	path, uri := m.segmentPath(seq)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("hls: create segment directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("hls: create segment: %w", err)
	}
	m.file = f
	if m.bw == nil {
		m.bw = bufio.NewWriterSize(f, writeBufferSize)
	} else {
		m.bw.Reset(f)
	}
	m.ts.SetWriter(m.bw)
	m.cur = Segment{Sequence: seq, Path: path, URI: uri, Start: start}
	m.packets = 0
	m.begin = m.ts.BytesWritten()
	if err := m.ts.WriteTables(); err != nil {
		return fmt.Errorf("hls: segment %d: %w", seq, err)
	}
	return nil
}

// closeSegment flushes and closes the open segment file and stamps its end.
func (m *Muxer) closeSegment(end int64) error {
	m.cur.End = end
	if m.cur.Start != media.NoTS && end != media.NoTS && end > m.cur.Start {
		m.cur.Duration = media.MPEGTSTimeBase.Duration(end - m.cur.Start)
	}
	m.cur.Bytes = m.ts.BytesWritten() - m.begin
	err := m.bw.Flush()
	if cerr := m.file.Close(); err == nil {
		err = cerr
	}
	m.file = nil
	if err != nil {
		return fmt.Errorf("hls: close segment %d: %w", m.cur.Sequence, err)
	}
	return nil
}

func (m *Muxer) closeFile() {
	if m.file != nil {
		m.file.Close()
		m.file = nil
	}
}

// rollover completes the open segment at pts, publishes it and opens the
// next one.
func (m *Muxer) rollover(pts int64) error {
	if err := m.closeSegment(pts); err != nil {
		return err
	}
	if err := m.publish(m.cur); err != nil {
		return err
	}
	return m.openSegment(m.cur.Sequence+1, pts)
}

// publish lists seg in the manifest, applying retention.
func (m *Muxer) publish(seg Segment) error {
	evicted := m.playlist.Add(seg)
	m.produced = append(m.produced, seg)
	if err := m.playlist.WriteFile(m.cfg.ManifestPath); err != nil {
		return fmt.Errorf("hls: write manifest: %w", err)
	}
	for _, old := range evicted {
		if err := os.Remove(old.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			m.log.Warn("failed to delete expired segment", "path", old.Path, "error", err)
		}
	}
	m.log.Debug("segment complete", "sequence", seg.Sequence, "duration", seg.Duration, "bytes", seg.Bytes)
	if m.cfg.OnSegment != nil {
		m.cfg.OnSegment(seg)
	}
	return nil
}

// Finalize completes the last segment and writes the manifest with an end
// marker. After a write error the partial segment is discarded and the
// already published segments are kept. Later calls return the first
// result.
func (m *Muxer) Finalize() error {
	if m.finalized {
		return m.finalErr
	}
	m.finalized = true
	if !m.opened {
		return nil
	}
	m.finalErr = m.finalize()
	return m.finalErr
}

func (m *Muxer) finalize() error {
	var errs []error
	if m.err != nil {
		if m.file != nil {
			m.closeFile()
			os.Remove(m.cur.Path)
		}
	} else if m.file != nil {
		end := m.cur.Start
		if m.lastRefPTS != media.NoTS {
			end = m.lastRefPTS + m.lastRefDur
		}
		err := m.closeSegment(end)
		switch {
		case err != nil:
			errs = append(errs, err)
			os.Remove(m.cur.Path)
		case m.packets == 0:
			os.Remove(m.cur.Path)
		default:
			m.playlist.Ended = true
			if err := m.publish(m.cur); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if !m.playlist.Ended || len(errs) > 0 {
		m.playlist.Ended = true
		if err := m.playlist.WriteFile(m.cfg.ManifestPath); err != nil {
			errs = append(errs, fmt.Errorf("hls: write manifest: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", media.ErrWrite, err)
	}
	m.log.Debug("output finalized", "segments", len(m.produced))
	return nil
}

// Segments returns every segment produced so far, including ones dropped
// from the playlist by retention.
func (m *Muxer) Segments() []Segment {
	return append([]Segment(nil), m.produced...)
}

// Playlist returns a copy of the current playlist.
func (m *Muxer) Playlist() Playlist {
	p := m.playlist
	p.Segments = append([]Segment(nil), m.playlist.Segments...)
	return p
}

// ManifestPath returns the manifest location.
func (m *Muxer) ManifestPath() string { return m.cfg.ManifestPath }
