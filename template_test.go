package relay

import (
	"strings"
	"testing"
	"time"
)

func TestTemplateRender(t *testing.T) {
	tests := []struct {
		name     string
		template string
		vars     map[string]string
		want     string
	}{
		{
			name:     "simple substitution",
			template: "{channel_name}: {original_caption}",
			vars:     map[string]string{"channel_name": "@src", "original_caption": "hello"},
			want:     "@src: hello",
		},
		{
			name:     "unknown placeholder is empty",
			template: "a{nope}b",
			vars:     map[string]string{},
			want:     "ab",
		},
		{
			name:     "no placeholders",
			template: "plain text",
			vars:     map[string]string{"x": "y"},
			want:     "plain text",
		},
		{
			name:     "repeated placeholder",
			template: "{x}{x}",
			vars:     map[string]string{"x": "ab"},
			want:     "abab",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewTemplate(tt.template).Render(tt.vars)
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTemplateDefaultPassthrough(t *testing.T) {
	m := photoMsg(5, 2048)
	m.Caption = "original caption"
	got := NewTemplate("").Render(TemplateVars(m, "@src"))
	if got != "original caption" {
		t.Errorf("default template should pass the caption through, got %q", got)
	}
}

func TestTemplateVars(t *testing.T) {
	m := Message{
		ChannelID: "@src", ID: 42,
		Date:     time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC),
		Caption:  "cap", FileName: "video.mp4", FileSize: 2 << 20,
		Kind: KindVideo,
	}
	vars := TemplateVars(m, "archive")
	if vars["message_id"] != "42" {
		t.Errorf("message_id: got %q", vars["message_id"])
	}
	if vars["channel_name"] != "archive" {
		t.Errorf("channel_name: got %q", vars["channel_name"])
	}
	if vars["date"] != "2024-03-15 09:30:00" {
		t.Errorf("date: got %q", vars["date"])
	}
	if vars["file_size"] != "2.0 MiB" {
		t.Errorf("file_size: got %q", vars["file_size"])
	}
}

func TestTruncateCaptionWordBoundary(t *testing.T) {
	s, truncated := TruncateCaption("one two three four", 12)
	if !truncated {
		t.Fatal("expected truncation")
	}
	if s != "one two" {
		t.Errorf("expected cut at word boundary, got %q", s)
	}
}

func TestTruncateCaptionOverlongWord(t *testing.T) {
	s, truncated := TruncateCaption(strings.Repeat("x", 50), 10)
	if !truncated || len([]rune(s)) > 10 {
		t.Errorf("overlong word should hard-cut to 10 runes, got %d", len([]rune(s)))
	}
}

func TestRenderCaptionNeverExceedsCap(t *testing.T) {
	unit := unitOf("", photoMsg(1, 1))
	unit.Messages[0].Caption = strings.Repeat("word ", 500)
	for _, cap := range []int{CaptionCapNormal, CaptionCapPremium} {
		s, _ := NewTemplate("").RenderCaption(unit, "@src", cap)
		if n := len([]rune(s)); n > cap {
			t.Errorf("caption %d runes exceeds cap %d", n, cap)
		}
	}
}

func TestPreview(t *testing.T) {
	got := Preview("line one\nline two that is very long indeed", 15)
	if strings.Contains(got, "\n") {
		t.Error("preview must be single-line")
	}
	if len([]rune(got)) > 16 {
		t.Errorf("preview too long: %q", got)
	}
}
