package layout

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Kind selects the limits applied by Sanitize.
type Kind int

const (
	// File is a note or attachment stem (extension excluded).
	File Kind = iota
	// Dir is a notebook directory name.
	Dir
)

// Name limits in runes.
const (
	MaxFileRunes = 100
	MaxDirRunes  = 80
)

// Name limits in UTF-8 bytes. File systems cap a component at 255 bytes;
// file stems leave room for the "_<id8>-N.md" suffix.
const (
	MaxFileBytes = 200
	MaxDirBytes  = 160
)

// Fallback names for inputs that sanitize to nothing.
const (
	UntitledFile = "Untitled"
	UnfiledDir   = "Unfiled"
)

var deviceNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
	"COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
	"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

// Sanitize maps an arbitrary title or notebook name to a component that is
// valid on every major file system. It is pure and total.
//
// Rules, applied in order:
//   - NFC normalisation
//   - < > : " / \ | ? * and control characters become '_', runs of '_' collapse
//   - leading and trailing spaces and dots are trimmed
//   - the result is capped at MaxFileRunes/MaxFileBytes or
//     MaxDirRunes/MaxDirBytes on a rune boundary and trimmed again
//   - reserved device names (CON, NUL, COM1, ...) get a '_' after the stem
//   - an empty result becomes UntitledFile or UnfiledDir
func Sanitize(name string, kind Kind) string {
	if !utf8.ValidString(name) {
		name = strings.ToValidUTF8(name, "_")
	}
	name = norm.NFC.String(name)

	var b strings.Builder
	lastUnderscore := false
	for _, r := range name {
		if isForbidden(r) {
			r = '_'
		}
		if r == '_' {
			if lastUnderscore {
				continue
			}
			lastUnderscore = true
		} else {
			lastUnderscore = false
		}
		b.WriteRune(r)
	}
	out := trimEdges(b.String())

	maxRunes, maxBytes := MaxFileRunes, MaxFileBytes
	if kind == Dir {
		maxRunes, maxBytes = MaxDirRunes, MaxDirBytes
	}
	if cut := truncateBytes(Truncate(out, maxRunes), maxBytes); len(cut) < len(out) {
		out = trimEdges(cut)
	}

	stem, _, _ := strings.Cut(out, ".")
	stem = strings.TrimRight(stem, " ")
	if deviceNames[strings.ToUpper(stem)] {
		out = stem + "_" + out[len(stem):]
	}

	if out == "" {
		if kind == Dir {
			return UnfiledDir
		}
		return UntitledFile
	}
	return out
}

func isForbidden(r rune) bool {
	switch r {
	case '<', '>', ':', '"', '/', '\\', '|', '?', '*':
		return true
	}
	return unicode.IsControl(r)
}

func trimEdges(s string) string {
	return strings.Trim(s, " .")
}

// truncateBytes cuts s to at most n bytes without splitting a rune.
func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := 0
	for i, r := range s {
		end := i + utf8.RuneLen(r)
		if end > n {
			break
		}
		cut = end
	}
	return s[:cut]
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
