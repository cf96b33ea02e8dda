package hls

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Playlist types accepted by Config.PlaylistType.
const (
	PlaylistVOD   = "vod"
	PlaylistEvent = "event"
)

// Segment is one completed media segment.
type Segment struct {
	Sequence int
	// Path is the segment file on disk, URI its reference in the manifest.
	Path string
	URI  string
	// Start and End are presentation times in 90 kHz ticks.
	Start    int64
	End      int64
	Duration time.Duration
	Bytes    int64
}

// Playlist is a media playlist. Segments holds the retained entries only,
// so MediaSequence is the sequence number of Segments[0].
type Playlist struct {
	TargetDuration time.Duration
	MediaSequence  int
	Segments       []Segment
	// Retention is the number of entries kept; 0 keeps all.
	Retention   int
	Type        string
	Independent bool
	Ended       bool
}

// Add appends seg and returns the entries evicted by retention.
func (p *Playlist) Add(seg Segment) []Segment {
	if len(p.Segments) == 0 {
		p.MediaSequence = seg.Sequence
	}
	p.Segments = append(p.Segments, seg)
	if p.Retention <= 0 || len(p.Segments) <= p.Retention {
		return nil
	}
	n := len(p.Segments) - p.Retention
	evicted := append([]Segment(nil), p.Segments[:n]...)
	p.Segments = append(p.Segments[:0:0], p.Segments[n:]...)
	p.MediaSequence = p.Segments[0].Sequence
	return evicted
}

// targetSeconds is the EXT-X-TARGETDURATION value: the longest segment
// rounded up, or the configured target when nothing is listed yet.
func (p *Playlist) targetSeconds() int {
	longest := p.TargetDuration
	if len(p.Segments) > 0 {
		longest = 0
		for _, s := range p.Segments {
			longest = max(longest, s.Duration)
		}
	}
	return max(1, int(math.Ceil(longest.Seconds())))
}

// Encode writes the playlist in m3u8 form.
func (p *Playlist) Encode(w io.Writer) error {
	b := bufio.NewWriter(w)
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	if p.Independent {
		b.WriteString("#EXT-X-INDEPENDENT-SEGMENTS\n")
	}
	fmt.Fprintf(b, "#EXT-X-TARGETDURATION:%d\n", p.targetSeconds())
	fmt.Fprintf(b, "#EXT-X-MEDIA-SEQUENCE:%d\n", p.MediaSequence)
	if p.Type != "" {
		fmt.Fprintf(b, "#EXT-X-PLAYLIST-TYPE:%s\n", strings.ToUpper(p.Type))
	}
	for _, s := range p.Segments {
		fmt.Fprintf(b, "#EXTINF:%.6f,\n", s.Duration.Seconds())
		b.WriteString(s.URI + "\n")
	}
	if p.Ended {
		b.WriteString("#EXT-X-ENDLIST\n")
	}
	return b.Flush()
}

func (p *Playlist) String() string {
	var sb strings.Builder
	p.Encode(&sb)
	return sb.String()
}

// WriteFile replaces path with the encoded playlist. The new content is
// written to a temporary file in the same directory and renamed into place,
// so readers see either the old or the new manifest.
func (p *Playlist) WriteFile(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := p.Encode(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ParsePlaylist reads a media playlist. Only the tags this package writes
// are interpreted; others are skipped.
func ParsePlaylist(r io.Reader) (*Playlist, error) {
	scanner := bufio.NewScanner(r)
	p := &Playlist{}
	var (
		pending  time.Duration
		haveInf  bool
		sawMagic bool
	)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !sawMagic {
			if line != "#EXTM3U" {
				return nil, errors.New("hls: missing #EXTM3U")
			}
			sawMagic = true
			continue
		}
		switch {
		case strings.HasPrefix(line, "#EXTINF:"):
			d, err := parseExtinf(line)
			if err != nil {
				return nil, err
			}
			pending, haveInf = d, true
		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			n, err := strconv.Atoi(strings.TrimPrefix(line, "#EXT-X-TARGETDURATION:"))
			if err != nil {
				return nil, fmt.Errorf("hls: invalid target duration: %w", err)
			}
			p.TargetDuration = time.Duration(n) * time.Second
		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			n, err := strconv.Atoi(strings.TrimPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"))
			if err != nil {
				return nil, fmt.Errorf("hls: invalid media sequence: %w", err)
			}
			p.MediaSequence = n
		case strings.HasPrefix(line, "#EXT-X-PLAYLIST-TYPE:"):
			p.Type = strings.ToLower(strings.TrimPrefix(line, "#EXT-X-PLAYLIST-TYPE:"))
		case line == "#EXT-X-INDEPENDENT-SEGMENTS":
			p.Independent = true
		case line == "#EXT-X-ENDLIST":
			p.Ended = true
		case strings.HasPrefix(line, "#"):
		default:
			if !haveInf {
				return nil, fmt.Errorf("hls: segment %q without #EXTINF", line)
			}
			p.Segments = append(p.Segments, Segment{
				Sequence: p.MediaSequence + len(p.Segments),
				URI:      line,
				Duration: pending,
			})
			pending, haveInf = 0, false
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("hls: read playlist: %w", err)
	}
	if !sawMagic {
		return nil, errors.New("hls: empty playlist")
	}
	return p, nil
}

func parseExtinf(line string) (time.Duration, error) {
	value := strings.TrimPrefix(line, "#EXTINF:")
	if comma := strings.IndexByte(value, ','); comma >= 0 {
		value = value[:comma]
	}
	seconds, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0, fmt.Errorf("hls: invalid EXTINF duration %q: %w", value, err)
	}
	return time.Duration(math.Round(seconds * float64(time.Second))), nil
}
