package uploads

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/gotd/td/tg"

	"telegram-forwarder/internal/config"
)

func TestMimeFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		item Item
		want string
	}{
		{name: "explicit type wins", item: Item{Path: "a.mp4", MimeType: "video/custom"}, want: "video/custom"},
		{name: "mp4 from dictionary", item: Item{Path: "clip.MP4"}, want: "video/mp4"},
		{name: "flac from dictionary", item: Item{Path: "song.flac"}, want: "audio/flac"},
		{name: "unknown falls back", item: Item{Path: "data.xyzw"}, want: "application/octet-stream"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := mimeFor(tt.item); got != tt.want {
				t.Fatalf("mimeFor(%q) = %q, want %q", tt.item.Path, got, tt.want)
			}
		})
	}
}

func TestReferenceMedia(t *testing.T) {
	t.Parallel()

	t.Run("photo", func(t *testing.T) {
		t.Parallel()
		m := &tg.MessageMediaPhoto{}
		m.SetPhoto(&tg.Photo{ID: 10, AccessHash: 20, FileReference: []byte{1}})
		got, err := referenceMedia(m)
		if err != nil {
			t.Fatalf("referenceMedia(photo) error: %v", err)
		}
		input, ok := got.(*tg.InputMediaPhoto)
		if !ok {
			t.Fatalf("referenceMedia(photo) = %T, want *tg.InputMediaPhoto", got)
		}
		id, ok := input.ID.(*tg.InputPhoto)
		if !ok || id.ID != 10 || id.AccessHash != 20 {
			t.Fatalf("InputPhoto = %+v, want id 10 hash 20", input.ID)
		}
	})

	t.Run("document", func(t *testing.T) {
		t.Parallel()
		m := &tg.MessageMediaDocument{}
		m.SetDocument(&tg.Document{ID: 30, AccessHash: 40})
		got, err := referenceMedia(m)
		if err != nil {
			t.Fatalf("referenceMedia(document) error: %v", err)
		}
		input, ok := got.(*tg.InputMediaDocument)
		if !ok {
			t.Fatalf("referenceMedia(document) = %T, want *tg.InputMediaDocument", got)
		}
		id, ok := input.ID.(*tg.InputDocument)
		if !ok || id.ID != 30 || id.AccessHash != 40 {
			t.Fatalf("InputDocument = %+v, want id 30 hash 40", input.ID)
		}
	})

	t.Run("empty photo", func(t *testing.T) {
		t.Parallel()
		if _, err := referenceMedia(&tg.MessageMediaPhoto{}); err == nil {
			t.Fatal("referenceMedia(empty photo) = nil error, want error")
		}
	})

	t.Run("unexpected media", func(t *testing.T) {
		t.Parallel()
		if _, err := referenceMedia(&tg.MessageMediaGeo{}); err == nil {
			t.Fatal("referenceMedia(geo) = nil error, want error")
		}
	})
}

func TestListFilesFiltersAndSorts(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for _, name := range []string{"b.mp4", "a.jpg", "title.txt", ".hidden"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o700); err != nil {
		t.Fatal(err)
	}

	l := &Local{cfg: config.Upload{Directory: dir}}
	got, err := l.listFiles()
	if err != nil {
		t.Fatalf("listFiles() error: %v", err)
	}
	want := []string{filepath.Join(dir, "a.jpg"), filepath.Join(dir, "b.mp4")}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("listFiles() = %v, want %v", got, want)
	}
}

func TestCaptionFor(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	sub := filepath.Join(dir, "Выпуск 12")
	if err := os.Mkdir(sub, 0o700); err != nil {
		t.Fatal(err)
	}
	file := filepath.Join(sub, "episode.mp4")
	if err := os.WriteFile(file, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sub, "title.txt"), []byte("Название из файла\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		cfg  config.Upload
		want string
	}{
		{
			name: "default template",
			cfg:  config.Upload{CaptionTemplate: "{filename}"},
			want: "episode",
		},
		{
			name: "custom template",
			cfg:  config.Upload{CaptionTemplate: "Видео: {filename}"},
			want: "Видео: episode",
		},
		{
			name: "folder name",
			cfg:  config.Upload{CaptionTemplate: "{filename}", Options: config.UploadOptions{UseFolderName: true}},
			want: "Выпуск 12",
		},
		{
			name: "title txt",
			cfg:  config.Upload{CaptionTemplate: "{filename}", Options: config.UploadOptions{ReadTitleTxt: true}},
			want: "Название из файла",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			l := &Local{cfg: tt.cfg}
			if got := l.captionFor(file); got != tt.want {
				t.Fatalf("captionFor() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCaptionForTitleMissingFallsBack(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	file := filepath.Join(dir, "clip.mp4")
	if err := os.WriteFile(file, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	l := &Local{cfg: config.Upload{
		CaptionTemplate: "{filename}",
		Options:         config.UploadOptions{ReadTitleTxt: true},
	}}
	if got := l.captionFor(file); got != "clip" {
		t.Fatalf("captionFor() = %q, want fallback %q", got, "clip")
	}
}
