package ingest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/zsiec/remux/internal/media"
)

// HeaderVersion identifies the layout produced by MarshalBinary.
const HeaderVersion = 1

// HeaderSize is the encoded size of a Header. Every ingested stream starts
// with exactly this many bytes.
const HeaderSize = 216

// Field offsets within an encoded header. All numbers are little-endian.
const (
	offFileSize   = 0
	offDuration   = 8
	offBitrate    = 16
	offWidth      = 24
	offHeight     = 28
	offFrameRate  = 32
	offMimeType   = 40
	offExtension  = 168
	offResolution = 184

	mimeTypeLen   = 128
	extensionLen  = 16
	resolutionLen = 32
)

// Header describes the payload that follows it on an ingest channel. The
// numeric fields are advisory; the payload is probed regardless.
type Header struct {
	FileSize  int64
	Duration  float64 // seconds
	Bitrate   float64 // bits per second
	Width     int32
	Height    int32
	FrameRate float64

	MimeType   string
	Extension  string
	Resolution string
}

// MediaDuration returns Duration as a time.Duration, or 0 when it is not a
// usable number.
func (h Header) MediaDuration() time.Duration {
	if math.IsNaN(h.Duration) || math.IsInf(h.Duration, 0) || h.Duration <= 0 {
		return 0
	}
	return time.Duration(h.Duration * float64(time.Second))
}

// MarshalBinary encodes h. Text fields longer than their slot are cut at a
// UTF-8 boundary.
func (h Header) MarshalBinary() ([]byte, error) {
	b := make([]byte, HeaderSize)
	le := binary.LittleEndian
	le.PutUint64(b[offFileSize:], uint64(h.FileSize))
	le.PutUint64(b[offDuration:], math.Float64bits(h.Duration))
	le.PutUint64(b[offBitrate:], math.Float64bits(h.Bitrate))
	le.PutUint32(b[offWidth:], uint32(h.Width))
	le.PutUint32(b[offHeight:], uint32(h.Height))
	le.PutUint64(b[offFrameRate:], math.Float64bits(h.FrameRate))
	putText(b[offMimeType:offMimeType+mimeTypeLen], h.MimeType)
	putText(b[offExtension:offExtension+extensionLen], h.Extension)
	putText(b[offResolution:offResolution+resolutionLen], h.Resolution)
	return b, nil
}

// UnmarshalBinary decodes a header from the first HeaderSize bytes of b.
// Text fields are trimmed at the first NUL and lower-cased.
func (h *Header) UnmarshalBinary(b []byte) error {
	if len(b) < HeaderSize {
		return fmt.Errorf("%w: got %d of %d bytes", media.ErrHeaderTruncated, len(b), HeaderSize)
	}
	le := binary.LittleEndian
	*h = Header{
		FileSize:   int64(le.Uint64(b[offFileSize:])),
		Duration:   math.Float64frombits(le.Uint64(b[offDuration:])),
		Bitrate:    math.Float64frombits(le.Uint64(b[offBitrate:])),
		Width:      int32(le.Uint32(b[offWidth:])),
		Height:     int32(le.Uint32(b[offHeight:])),
		FrameRate:  math.Float64frombits(le.Uint64(b[offFrameRate:])),
		MimeType:   getText(b[offMimeType : offMimeType+mimeTypeLen]),
		Extension:  getText(b[offExtension : offExtension+extensionLen]),
		Resolution: getText(b[offResolution : offResolution+resolutionLen]),
	}
	return nil
}

// ReadHeader reads exactly one header from r. Running out of input first
// fails with media.ErrHeaderTruncated.
func ReadHeader(r io.Reader) (Header, error) {
	var h Header
	buf := make([]byte, HeaderSize)
	n, err := io.ReadFull(r, buf)
	if err != nil {
		return h, fmt.Errorf("%w: got %d of %d bytes: %w", media.ErrHeaderTruncated, n, HeaderSize, err)
	}
	err = h.UnmarshalBinary(buf)
	return h, err
}

// WriteHeader writes the encoding of h to w.
func WriteHeader(w io.Writer, h Header) error {
	b, _ := h.MarshalBinary()
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("ingest: write header: %w", err)
	}
	return nil
}

func putText(dst []byte, s string) {
	if len(s) > len(dst) {
		s = s[:len(dst)]
		for len(s) > 0 && !utf8.ValidString(s) {
			s = s[:len(s)-1]
		}
	}
	copy(dst, s)
}

func getText(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	s := strings.TrimSpace(strings.ToValidUTF8(string(b), ""))
	// Casers are stateful, so each call gets its own.
	return cases.Lower(language.Und).String(s)
}
