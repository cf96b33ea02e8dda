package media

import "errors"

// Error kinds. Every failure returned by the remux pipeline wraps exactly
// one of these, so callers classify with errors.Is.
var (
	ErrOpen            = errors.New("input could not be opened")
	ErrProbe           = errors.New("stream parameters could not be determined")
	ErrMapping         = errors.New("stream cannot be mapped to output")
	ErrMuxerOpen       = errors.New("output could not be initialized")
	ErrWrite           = errors.New("output write failed")
	ErrRead            = errors.New("input read failed")
	ErrHeaderTruncated = errors.New("ingestion header truncated")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrHeaderTruncated, "header_truncated"},
	{ErrOpen, "open"},
	{ErrProbe, "probe"},
	{ErrMapping, "mapping"},
	{ErrMuxerOpen, "muxer_open"},
	{ErrWrite, "write"},
	{ErrRead, "read"},
}

// ErrorKind returns a stable name for the kind err wraps: "" for nil and
// "internal" for errors outside the taxonomy.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "internal"
}
