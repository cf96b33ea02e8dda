// Package srt carries framed ingest payloads over SRT (Secure Reliable
// Transport): a listener-mode Server for publishers, a caller-mode Caller
// that pulls from remote listeners, and Push for sending a payload.
package srt
