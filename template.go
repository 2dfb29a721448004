package relay

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/dustin/go-humanize"
)

// DefaultTemplate reproduces the source caption unchanged.
const DefaultTemplate = "{original_text}{original_caption}"

var placeholderRE = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// Template renders captions from `{name}` placeholders and a flat
// variable map. Unknown placeholders reduce to the empty string.
type Template struct {
	raw string
}

// NewTemplate creates a Template; empty input falls back to
// DefaultTemplate.
func NewTemplate(raw string) *Template {
	if raw == "" {
		raw = DefaultTemplate
	}
	return &Template{raw: raw}
}

// Render substitutes placeholders from vars.
func (t *Template) Render(vars map[string]string) string {
	return placeholderRE.ReplaceAllStringFunc(t.raw, func(m string) string {
		name := m[1 : len(m)-1]
		return vars[name]
	})
}

// RenderCaption renders the caption for a unit against its leading
// message and truncates to the session's caption cap at a word
// boundary. The second return reports whether truncation happened.
func (t *Template) RenderCaption(unit AtomicUnit, channelName string, captionCap int) (string, bool) {
	s := t.Render(TemplateVars(unit.First(), channelName))
	return TruncateCaption(s, captionCap)
}

// TemplateVars derives the substitution map from a source message.
func TemplateVars(m Message, channelName string) map[string]string {
	vars := map[string]string{
		"original_text":    m.Text,
		"original_caption": m.Caption,
		"file_name":        m.FileName,
		"file_size":        "",
		"channel_name":     channelName,
		"message_id":       strconv.Itoa(m.ID),
		"date":             "",
	}
	if m.FileSize > 0 {
		vars["file_size"] = humanize.IBytes(uint64(m.FileSize))
	}
	if !m.Date.IsZero() {
		vars["date"] = m.Date.Format("2006-01-02 15:04:05")
	}
	return vars
}

// TruncateCaption limits s to max runes, cutting at the last word
// boundary that fits. A single overlong word is cut hard.
func TruncateCaption(s string, max int) (string, bool) {
	if max <= 0 {
		return s, false
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s, false
	}
	cut := runes[:max]
	for i := len(cut) - 1; i > 0; i-- {
		if unicode.IsSpace(cut[i]) {
			cut = cut[:i]
			break
		}
	}
	return strings.TrimRightFunc(string(cut), unicode.IsSpace), true
}

// Preview shortens s for log lines.
func Preview(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}
