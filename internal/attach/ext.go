package attach

import (
	"mime"
	"path"
	"sort"
	"strings"
)

// DefaultExt is used when neither the media type nor the declared name yields an extension.
const DefaultExt = ".bin"

const maxExtLen = 10

var mimeExt = map[string]string{
	"image/jpeg":         ".jpg",
	"image/jpg":          ".jpg",
	"image/pjpeg":        ".jpg",
	"image/png":          ".png",
	"image/gif":          ".gif",
	"image/bmp":          ".bmp",
	"image/webp":         ".webp",
	"image/tiff":         ".tiff",
	"image/heic":         ".heic",
	"image/svg+xml":      ".svg",
	"application/pdf":    ".pdf",
	"text/plain":         ".txt",
	"text/html":          ".html",
	"text/csv":           ".csv",
	"application/msword": ".doc",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": ".docx",
	"application/vnd.ms-excel": ".xls",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         ".xlsx",
	"application/vnd.ms-powerpoint":                                             ".ppt",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": ".pptx",
	"application/zip":   ".zip",
	"application/json":  ".json",
	"audio/mpeg":        ".mp3",
	"audio/mp3":         ".mp3",
	"audio/wav":         ".wav",
	"audio/x-wav":       ".wav",
	"audio/amr":         ".amr",
	"audio/ogg":         ".ogg",
	"video/mp4":         ".mp4",
	"video/quicktime":   ".mov",
	"video/x-msvideo":   ".avi",
	"video/webm":        ".webm",
}

// Extension picks a file extension (with leading dot) for an attachment.
// The media type wins, then the declared file name, then DefaultExt.
func Extension(mimeType, declaredName string) string {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	if ext, ok := mimeExt[mt]; ok {
		return ext
	}
	if mt != "" {
		if exts, err := mime.ExtensionsByType(mt); err == nil && len(exts) > 0 {
			sort.Strings(exts)
			if ext := cleanExt(exts[0]); ext != "" {
				return ext
			}
		}
	}
	if ext := cleanExt(path.Ext(strings.ReplaceAll(declaredName, `\`, "/"))); ext != "" {
		return ext
	}
	return DefaultExt
}

// cleanExt lowercases ext and keeps only [a-z0-9], returning "" when nothing is left.
func cleanExt(ext string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimPrefix(ext, ".")) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
		if b.Len() == maxExtLen {
			break
		}
	}
	if b.Len() == 0 {
		return ""
	}
	return "." + b.String()
}
