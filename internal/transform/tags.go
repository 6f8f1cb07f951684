package transform

import (
	"strings"
	"unicode"
)

// SanitizeTags converts source tags into vault tags, dropping empties and duplicates.
func SanitizeTags(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	var out []string
	for _, t := range raw {
		tag := SanitizeTag(t)
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}

// SanitizeTag keeps letters, digits, '_' and '-', turns everything else into
// single hyphens and keeps '/' nesting. All-digit tags get a "y" prefix
// since vault tags must contain a non-digit.
func SanitizeTag(raw string) string {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "#")
	if raw == "" {
		return ""
	}
	var parts []string
	for _, part := range strings.Split(raw, "/") {
		if cleaned := sanitizeTagPart(part); cleaned != "" {
			parts = append(parts, cleaned)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	tag := strings.Join(parts, "/")
	for _, r := range tag {
		if r != '/' && !unicode.IsDigit(r) {
			return tag
		}
	}
	return "y" + tag
}

func sanitizeTagPart(part string) string {
	part = strings.TrimSpace(part)
	var b strings.Builder
	lastHyphen := false
	for _, r := range part {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '_', r == '-':
			b.WriteRune(r)
			lastHyphen = r == '-'
		default:
			if !lastHyphen && b.Len() > 0 {
				b.WriteRune('-')
				lastHyphen = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}
