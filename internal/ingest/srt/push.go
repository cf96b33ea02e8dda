package srt

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/zsiec/remux/internal/ingest"
)

// pushChunkSize is seven TS packets, the usual SRT payload.
const pushChunkSize = 188 * 7

// Push dials an SRT ingest listener and sends h followed by payload. It
// returns the number of payload bytes sent.
func Push(ctx context.Context, addr, key string, h ingest.Header, payload io.Reader) (int64, error) {
	conn, err := dial(ctx, addr, "ingest/"+key)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := ingest.WriteHeader(conn, h); err != nil {
		return 0, err
	}
	return copyChunks(ctx, conn, payload)
}

// copyChunks writes r to w in pushChunkSize pieces.
func copyChunks(ctx context.Context, w io.Writer, r io.Reader) (int64, error) {
	buf := make([]byte, pushChunkSize)
	var sent int64
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				if ctx.Err() != nil {
					return sent, ctx.Err()
				}
				return sent, fmt.Errorf("srt push: %w", werr)
			}
			sent += int64(n)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return sent, nil
		}
		if err != nil {
			return sent, fmt.Errorf("srt push: read payload: %w", err)
		}
	}
}
