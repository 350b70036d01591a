package media_test

import (
	"testing"

	"telegram-forwarder/internal/media"
)

func TestKindForPath(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		path string
		want media.Kind
	}{
		{name: "jpeg photo", path: "album/IMG_0001.JPG", want: media.KindPhoto},
		{name: "webp photo", path: "sticker.webp", want: media.KindPhoto},
		{name: "mp4 video", path: "clips/movie.mp4", want: media.KindVideo},
		{name: "mkv video", path: "movie.MKV", want: media.KindVideo},
		{name: "flac audio", path: "music/track.flac", want: media.KindAudio},
		{name: "aac audio", path: "voice.aac", want: media.KindAudio},
		{name: "archive is document", path: "backup.zip", want: media.KindDocument},
		{name: "no extension is document", path: "README", want: media.KindDocument},
		{name: "gif is document by extension", path: "anim.gif", want: media.KindDocument},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := media.KindForPath(tc.path); got != tc.want {
				t.Fatalf("KindForPath(%q) = %q, want %q", tc.path, got, tc.want)
			}
		})
	}
}

func TestParseKind(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want media.Kind
		ok   bool
	}{
		{name: "plain", in: "photo", want: media.KindPhoto, ok: true},
		{name: "mixed case", in: "Video", want: media.KindVideo, ok: true},
		{name: "padded", in: " animation ", want: media.KindAnimation, ok: true},
		{name: "unknown", in: "sticker", ok: false},
		{name: "empty", in: "", ok: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, ok := media.ParseKind(tc.in)
			if ok != tc.ok {
				t.Fatalf("ParseKind(%q) ok = %v, want %v", tc.in, ok, tc.ok)
			}
			if ok && got != tc.want {
				t.Fatalf("ParseKind(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestAllKindsCoversVocabulary(t *testing.T) {
	t.Parallel()

	kinds := media.AllKinds()
	if len(kinds) != 5 {
		t.Fatalf("AllKinds() returned %d kinds, want 5", len(kinds))
	}
	for _, k := range kinds {
		parsed, ok := media.ParseKind(string(k))
		if !ok || parsed != k {
			t.Fatalf("ParseKind(%q) = %q, %v; vocabulary must round-trip", k, parsed, ok)
		}
	}
}
