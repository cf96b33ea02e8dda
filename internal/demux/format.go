package demux

import (
	"context"
	"io"
	"log/slog"

	"github.com/zsiec/remux/internal/media"
)

// packetReader is the per-format source of packets. Streams may grow while
// reading; Packet.StreamIndex indexes the slice returned by Streams.
type packetReader interface {
	ReadPacket() (*media.Packet, error)
	Streams() []media.StreamDescriptor
	BytesRead() int64
}

// format is a container reader known to Open.
type format struct {
	name  string
	probe func(head []byte) bool
	open  func(ctx context.Context, r io.Reader, log *slog.Logger) packetReader
}

// formats are tried in order; the first whose probe accepts the head wins.
var formats = []format{
	{name: "mpegts", probe: probeMPEGTS, open: openMPEGTS},
	{name: "aac", probe: probeADTS, open: openADTS},
}

func detect(head []byte) (format, bool) {
	for _, f := range formats {
		if f.probe(head) {
			return f, true
		}
	}
	return format{}, false
}

// Formats returns the names of the supported input formats.
func Formats() []string {
	names := make([]string, len(formats))
	for i, f := range formats {
		names[i] = f.name
	}
	return names
}
