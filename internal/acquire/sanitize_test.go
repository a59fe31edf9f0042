package acquire

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
)

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Artist - Song", "Artist - Song"},
		{`AC/DC - Back: In "Black"?`, "ACDC - Back In Black"},
		{`a\b*c<d>e|f`, "abcdef"},
		{"  padded  name  ", "padded name"},
		{"tab\tand\nnewline", "tab and newline"},
		{"trailing dots...", "trailing dots"},
		{"Café", "Café"},
		{`?*:|`, ""},
	}

	for _, tt := range tests {
		if got := SanitizeName(tt.in); got != tt.want {
			t.Errorf("SanitizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSanitizeName_Truncates(t *testing.T) {
	long := strings.Repeat("é", 300)
	got := SanitizeName(long)
	if len(got) > maxNameBytes {
		t.Errorf("expected at most %d bytes, got %d", maxNameBytes, len(got))
	}
	if !strings.HasPrefix(long, got) {
		t.Error("truncation should cut on a rune boundary")
	}
}

func TestTrackNameAndQuery(t *testing.T) {
	if got := TrackName("Artist", "Song"); got != "Artist - Song" {
		t.Errorf("unexpected track name %q", got)
	}
	if got := TrackName("", "Song"); got != "Song" {
		t.Errorf("unexpected track name without artist %q", got)
	}
	if got := SearchQuery("Artist", "Song"); got != "Artist - Song audio" {
		t.Errorf("unexpected query %q", got)
	}
}

func TestMoveFile_CrossDeviceFallback(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.mp3")
	dst := filepath.Join(dir, "dst.mp3")
	os.WriteFile(src, []byte("payload"), 0o644)

	renameFunc = func(string, string) error {
		return &os.LinkError{Op: "rename", Old: src, New: dst, Err: syscall.EXDEV}
	}
	defer func() { renameFunc = os.Rename }()

	if err := moveFile(src, dst); err != nil {
		t.Fatalf("moveFile() error = %v", err)
	}
	data, err := os.ReadFile(dst)
	if err != nil || string(data) != "payload" {
		t.Errorf("expected copied payload, got %q (%v)", data, err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Error("source should be removed after fallback copy")
	}
}

func TestMoveFile_OtherErrorsPropagate(t *testing.T) {
	boom := errors.New("permission denied")
	renameFunc = func(string, string) error { return boom }
	defer func() { renameFunc = os.Rename }()

	if err := moveFile("a", "b"); !errors.Is(err, boom) {
		t.Errorf("expected rename error, got %v", err)
	}
}

func TestResizeCover(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 1200, 800))
	for x := 0; x < 1200; x++ {
		src.Set(x, 0, color.RGBA{R: 255, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, src); err != nil {
		t.Fatal(err)
	}

	out, err := resizeCover(buf.Bytes(), 600)
	if err != nil {
		t.Fatalf("resizeCover() error = %v", err)
	}
	img, err := jpeg.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("expected JPEG output: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 600 || b.Dy() != 400 {
		t.Errorf("expected 600x400, got %dx%d", b.Dx(), b.Dy())
	}
}

func TestResizeCover_RejectsGarbage(t *testing.T) {
	if _, err := resizeCover([]byte("not an image"), 600); err == nil {
		t.Error("expected decode error")
	}
}
