package history_test

import (
	"os"
	"path/filepath"
	"testing"

	"telegram-forwarder/internal/history"
)

func TestDownloadStoreRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "data", "download_history.json")

	s, err := history.NewDownloadStore(path)
	if err != nil {
		t.Fatalf("NewDownloadStore() = %v", err)
	}
	if s.IsDownloaded(100, 7) {
		t.Fatal("IsDownloaded() on fresh store = true, want false")
	}
	if err := s.MarkDownloaded(100, 7); err != nil {
		t.Fatalf("MarkDownloaded() = %v", err)
	}
	if err := s.MarkDownloaded(100, 9); err != nil {
		t.Fatalf("MarkDownloaded() = %v", err)
	}
	if !s.IsDownloaded(100, 7) {
		t.Fatal("IsDownloaded(100, 7) = false after mark")
	}
	if s.IsDownloaded(200, 7) {
		t.Fatal("IsDownloaded(200, 7) = true, channels must be independent")
	}

	// Повторное открытие видит сохранённые отметки.
	again, err := history.NewDownloadStore(path)
	if err != nil {
		t.Fatalf("NewDownloadStore() reopen = %v", err)
	}
	if !again.IsDownloaded(100, 7) || !again.IsDownloaded(100, 9) {
		t.Fatal("reopened store lost marks")
	}

	ids := again.DownloadedIDs(100)
	if len(ids) != 2 {
		t.Fatalf("DownloadedIDs() = %d entries, want 2", len(ids))
	}
	if _, ok := ids[9]; !ok {
		t.Fatal("DownloadedIDs() missing id 9")
	}
}

func TestDownloadStoreHealsCorruptFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "download_history.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}

	s, err := history.NewDownloadStore(path)
	if err != nil {
		t.Fatalf("NewDownloadStore() on corrupt file = %v, want heal", err)
	}
	if s.IsDownloaded(1, 1) {
		t.Fatal("healed store is not empty")
	}

	// Файл на диске перезаписан валидным состоянием.
	if _, err := history.NewDownloadStore(path); err != nil {
		t.Fatalf("NewDownloadStore() after heal = %v", err)
	}
}

func TestDownloadStoreEmptyFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "download_history.json")
	if err := os.WriteFile(path, []byte("   \n"), 0o600); err != nil {
		t.Fatalf("seed empty file: %v", err)
	}

	if _, err := history.NewDownloadStore(path); err != nil {
		t.Fatalf("NewDownloadStore() on empty file = %v, want ok", err)
	}
}

func TestUploadStoreNormalizesPaths(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "upload_history.json")

	s, err := history.NewUploadStore(path)
	if err != nil {
		t.Fatalf("NewUploadStore() = %v", err)
	}

	file := filepath.Join(dir, "media", "clip.mp4")
	if err := s.MarkUploaded(file, 500, 2048, "video"); err != nil {
		t.Fatalf("MarkUploaded() = %v", err)
	}

	// Тот же файл через неканоничный путь.
	dotted := filepath.Join(dir, "media", ".", "clip.mp4")
	if !s.IsUploaded(dotted, 500) {
		t.Fatalf("IsUploaded(%q, 500) = false, want true for same file", dotted)
	}
	// Та же запись, но другая цель — независима.
	if s.IsUploaded(file, 501) {
		t.Fatal("IsUploaded(file, 501) = true, targets must be independent")
	}

	again, err := history.NewUploadStore(path)
	if err != nil {
		t.Fatalf("NewUploadStore() reopen = %v", err)
	}
	if !again.IsUploaded(file, 500) {
		t.Fatal("reopened store lost mark")
	}
}

func TestNormalizePathCanonicalForm(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	plain, err := history.NormalizePath(filepath.Join(dir, "media", "clip.mp4"))
	if err != nil {
		t.Fatalf("NormalizePath() = %v", err)
	}

	// Ключ абсолютный, с прямыми слэшами, без точечных сегментов.
	if !filepath.IsAbs(filepath.FromSlash(plain)) {
		t.Fatalf("NormalizePath() = %q, want absolute key", plain)
	}
	if plain != filepath.ToSlash(plain) {
		t.Fatalf("NormalizePath() = %q, want forward-slash form", plain)
	}
	dotted, err := history.NormalizePath(filepath.Join(dir, "media", ".", "clip.mp4"))
	if err != nil {
		t.Fatalf("NormalizePath(dotted) = %v", err)
	}
	if dotted != plain {
		t.Fatalf("NormalizePath(dotted) = %q, want %q", dotted, plain)
	}
}

func TestUploadStoreIdempotentMark(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := history.NewUploadStore(filepath.Join(dir, "upload_history.json"))
	if err != nil {
		t.Fatalf("NewUploadStore() = %v", err)
	}

	file := filepath.Join(dir, "a.jpg")
	for range 3 {
		if err := s.MarkUploaded(file, 7, 16, "photo"); err != nil {
			t.Fatalf("MarkUploaded() = %v", err)
		}
	}
	if !s.IsUploaded(file, 7) {
		t.Fatal("IsUploaded() = false after marks")
	}
}

func TestForwardStoreTripleKeys(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "forward_history.json")
	s, err := history.NewForwardStore(path)
	if err != nil {
		t.Fatalf("NewForwardStore() = %v", err)
	}

	if err := s.MarkForwarded(100, 5, 200); err != nil {
		t.Fatalf("MarkForwarded() = %v", err)
	}

	tests := []struct {
		name   string
		source int64
		msgID  int
		target int64
		want   bool
	}{
		{name: "exact triple", source: 100, msgID: 5, target: 200, want: true},
		{name: "other target", source: 100, msgID: 5, target: 300, want: false},
		{name: "other message", source: 100, msgID: 6, target: 200, want: false},
		{name: "other source", source: 101, msgID: 5, target: 200, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := s.IsForwarded(tt.source, tt.msgID, tt.target); got != tt.want {
				t.Fatalf("IsForwarded(%d, %d, %d) = %v, want %v", tt.source, tt.msgID, tt.target, got, tt.want)
			}
		})
	}
}

func TestForwardStoreMarkMany(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "forward_history.json")
	s, err := history.NewForwardStore(path)
	if err != nil {
		t.Fatalf("NewForwardStore() = %v", err)
	}

	// Альбом отмечается одной записью на диск.
	if err := s.MarkManyForwarded(1, []int{10, 11, 12}, 2); err != nil {
		t.Fatalf("MarkManyForwarded() = %v", err)
	}
	for _, id := range []int{10, 11, 12} {
		if !s.IsForwarded(1, id, 2) {
			t.Fatalf("IsForwarded(1, %d, 2) = false after MarkMany", id)
		}
	}

	again, err := history.NewForwardStore(path)
	if err != nil {
		t.Fatalf("NewForwardStore() reopen = %v", err)
	}
	if !again.IsForwarded(1, 11, 2) {
		t.Fatal("reopened store lost album marks")
	}
}

func TestTripleKeyFormat(t *testing.T) {
	t.Parallel()

	if got, want := history.TripleKey(-1001234, 42, 555), "-1001234:42:555"; got != want {
		t.Fatalf("TripleKey() = %q, want %q", got, want)
	}
}
