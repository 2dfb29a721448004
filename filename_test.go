package relay

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"path separators", `a/b\c`, "a_b_c"},
		{"windows reserved chars", `x<y>z:"|?*`, "x_y_z_____"},
		{"control characters dropped", "a\x00b\x1fc", "abc"},
		{"empty becomes file", "", "file"},
		{"dots and spaces trimmed", "  name. ", "name"},
		{"reserved device name", "CON.txt", "_CON.txt"},
		{"unicode preserved", "файл 报告.pdf", "файл 报告.pdf"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeFilename(tt.in); got != tt.want {
				t.Errorf("SanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSanitizeFilenameAlwaysSafe(t *testing.T) {
	inputs := []string{
		"", "...", "///", strings.Repeat("名", 300) + ".mkv",
		"nul", "a\tb\nc", string(rune(0x7f)),
	}
	for _, in := range inputs {
		got := SanitizeFilename(in)
		if got == "" {
			t.Errorf("empty output for %q", in)
		}
		if strings.ContainsAny(got, `/\`) {
			t.Errorf("path separator in %q", got)
		}
		for _, r := range got {
			if r < 0x20 || r == 0x7f {
				t.Errorf("control character in output for %q", in)
			}
		}
		if n := len([]rune(got)); n > maxFilenameRunes {
			t.Errorf("output %d runes exceeds cap", n)
		}
	}
}

func TestSanitizeFilenameKeepsExtensionWhenTruncating(t *testing.T) {
	got := SanitizeFilename(strings.Repeat("a", 200) + ".mp4")
	if !strings.HasSuffix(got, ".mp4") {
		t.Errorf("extension lost: %q", got)
	}
	if len([]rune(got)) > maxFilenameRunes {
		t.Errorf("too long: %d", len([]rune(got)))
	}
}

func TestFileNamePattern(t *testing.T) {
	m := Message{
		ID: 42, Kind: KindVideo, FileName: "clip.mp4",
		Date: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
	}
	got := FileName(m, "@src")
	want := "20240601_42_@src_clip.mp4"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestFileNameDefaultExtension(t *testing.T) {
	m := photoMsg(7, 1)
	m.FileName = ""
	got := FileName(m, "src")
	if !strings.HasSuffix(got, ".jpg") {
		t.Errorf("expected default photo extension, got %q", got)
	}
}

func TestUniquePath(t *testing.T) {
	dir := t.TempDir()
	first := UniquePath(dir, "a.txt")
	if first != filepath.Join(dir, "a.txt") {
		t.Fatalf("unexpected first path %q", first)
	}
	if err := os.WriteFile(first, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	second := UniquePath(dir, "a.txt")
	if second != filepath.Join(dir, "a (1).txt") {
		t.Errorf("expected collision suffix, got %q", second)
	}
	if err := os.WriteFile(second, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	third := UniquePath(dir, "a.txt")
	if third != filepath.Join(dir, "a (2).txt") {
		t.Errorf("expected incremented suffix, got %q", third)
	}
}
