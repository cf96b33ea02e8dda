package hls

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestPlaylistEncode(t *testing.T) {
	t.Parallel()
	p := Playlist{TargetDuration: 4 * time.Second, Type: PlaylistEvent, Independent: true}
	p.Add(Segment{Sequence: 0, URI: "segment000.ts", Duration: 4 * time.Second})
	p.Add(Segment{Sequence: 1, URI: "segment001.ts", Duration: 4200 * time.Millisecond})
	p.Ended = true

	want := strings.Join([]string{
		"#EXTM3U",
		"#EXT-X-VERSION:3",
		"#EXT-X-INDEPENDENT-SEGMENTS",
		"#EXT-X-TARGETDURATION:5",
		"#EXT-X-MEDIA-SEQUENCE:0",
		"#EXT-X-PLAYLIST-TYPE:EVENT",
		"#EXTINF:4.000000,",
		"segment000.ts",
		"#EXTINF:4.200000,",
		"segment001.ts",
		"#EXT-X-ENDLIST",
		"",
	}, "\n")
	if got := p.String(); got != want {
		t.Errorf("playlist =\n%s\nwant\n%s", got, want)
	}
}

func TestPlaylistAdd_Retention(t *testing.T) {
	t.Parallel()
	p := Playlist{Retention: 2}
	var evicted []Segment
	for i := range 5 {
		evicted = append(evicted, p.Add(Segment{Sequence: i})...)
	}
	if len(p.Segments) != 2 || p.MediaSequence != 3 {
		t.Fatalf("kept %d from %d, want 2 from 3", len(p.Segments), p.MediaSequence)
	}
	if len(evicted) != 3 || evicted[0].Sequence != 0 || evicted[2].Sequence != 2 {
		t.Errorf("evicted = %+v", evicted)
	}
}

func TestPlaylist_EmptyTargetDuration(t *testing.T) {
	t.Parallel()
	p := Playlist{TargetDuration: 6 * time.Second}
	if !strings.Contains(p.String(), "#EXT-X-TARGETDURATION:6\n") {
		t.Errorf("empty playlist should advertise the configured target:\n%s", p.String())
	}
}

func TestParsePlaylist(t *testing.T) {
	t.Parallel()
	src := "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:4\n#EXT-X-MEDIA-SEQUENCE:7\n" +
		"#EXT-X-CUSTOM:ignored\n#EXTINF:3.500000,\nsegment007.ts\n\n#EXTINF:4,title\nsegment008.ts\n"
	p, err := ParsePlaylist(strings.NewReader(src))
	if err != nil {
		t.Fatal(err)
	}
	if p.Ended {
		t.Error("Ended set without #EXT-X-ENDLIST")
	}
	if len(p.Segments) != 2 {
		t.Fatalf("segments = %d", len(p.Segments))
	}
	if s := p.Segments[0]; s.Sequence != 7 || s.URI != "segment007.ts" || s.Duration != 3500*time.Millisecond {
		t.Errorf("segment 0 = %+v", s)
	}
	if s := p.Segments[1]; s.Sequence != 8 || s.Duration != 4*time.Second {
		t.Errorf("segment 1 = %+v", s)
	}
}

func TestParsePlaylist_Invalid(t *testing.T) {
	t.Parallel()
	for _, src := range []string{
		"",
		"segment000.ts\n",
		"#EXTM3U\nsegment000.ts\n",
		"#EXTM3U\n#EXTINF:abc,\nsegment000.ts\n",
		"#EXTM3U\n#EXT-X-TARGETDURATION:x\n",
	} {
		if _, err := ParsePlaylist(strings.NewReader(src)); err == nil {
			t.Errorf("ParsePlaylist(%q) succeeded", src)
		}
	}
}

func TestPlaylistWriteFile_Replaces(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "index.m3u8")
	if err := os.WriteFile(path, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	p := Playlist{TargetDuration: 4 * time.Second}
	if err := p.WriteFile(path); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != p.String() {
		t.Errorf("file = %q", got)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("temporary files left behind: %d entries", len(entries))
	}
}
