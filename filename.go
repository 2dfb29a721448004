package relay

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// maxFilenameRunes bounds generated filenames; long names are cut while
// keeping the extension.
const maxFilenameRunes = 100

// reservedNames are Windows device names that cannot be used as a file
// base name on that platform.
var reservedNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
	"COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
	"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

// defaultExtensions supplies an extension when the source carries no
// filename.
var defaultExtensions = map[MediaKind]string{
	KindPhoto:     ".jpg",
	KindVideo:     ".mp4",
	KindAudio:     ".mp3",
	KindVoice:     ".ogg",
	KindVideoNote: ".mp4",
	KindAnimation: ".mp4",
	KindDocument:  ".bin",
}

// SanitizeFilename makes name safe for any target filesystem: NFC
// normalised, no path separators, no control characters, no characters
// Windows reserves, no reserved device names, never empty, bounded
// length with the extension preserved.
func SanitizeFilename(name string) string {
	name = norm.NFC.String(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case r < 0x20 || r == 0x7f:
			// drop control characters
		case strings.ContainsRune(`/\<>:"|?*`, r):
			b.WriteRune('_')
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		default:
			b.WriteRune(r)
		}
	}
	name = strings.Trim(b.String(), " .")
	if name == "" {
		return "file"
	}

	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	if reservedNames[strings.ToUpper(base)] {
		base = "_" + base
	}

	baseRunes := []rune(base)
	extRunes := []rune(ext)
	if len(baseRunes)+len(extRunes) > maxFilenameRunes {
		keep := maxFilenameRunes - len(extRunes)
		if keep < 1 {
			keep = 1
		}
		baseRunes = baseRunes[:keep]
	}
	return strings.Trim(string(baseRunes), " .") + string(extRunes)
}

// FileName builds the on-disk name for a downloaded message:
// {date}_{message-id}_{channel}_{original-filename}.
func FileName(m Message, channel string) string {
	original := m.FileName
	if original == "" {
		original = string(m.Kind) + defaultExtensions[m.Kind]
	}
	name := fmt.Sprintf("%s_%d_%s_%s",
		m.Date.Format("20060102"), m.ID, channel, original)
	return SanitizeFilename(name)
}

// UniquePath returns dir/name, appending " (n)" before the extension
// until no existing file collides.
func UniquePath(dir, name string) string {
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); err != nil {
		return path
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for n := 1; ; n++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s (%d)%s", base, n, ext))
		if _, err := os.Stat(candidate); err != nil {
			return candidate
		}
	}
}
