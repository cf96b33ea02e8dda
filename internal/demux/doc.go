// Package demux opens a forward-only byte stream, identifies its container
// format, probes every elementary stream's codec parameters and then yields
// compressed packets in stream order. MPEG-TS (H.264, H.265, AAC) and raw
// ADTS AAC inputs are supported. Nothing is ever seeked: bytes consumed
// while probing are replayed.
package demux
