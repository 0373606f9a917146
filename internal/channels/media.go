package channels

import (
	"path/filepath"
	"strings"
)

const uploadsPrefix = "/api/uploads/"

var mimeTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".webm": "video/webm",
	".mp3":  "audio/mpeg",
	".ogg":  "audio/ogg",
	".wav":  "audio/wav",
	".pdf":  "application/pdf",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
}

// MimeType guesses the content type from the file extension, falling back to
// "<kind>/<ext>".
func MimeType(path, kind string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if m, ok := mimeTypes[ext]; ok {
		return m
	}
	return kind + "/" + strings.TrimPrefix(ext, ".")
}

// IsRemoteURL reports whether a media reference is a public URL rather than
// a file served from the uploads area.
func IsRemoteURL(ref string) bool {
	return !strings.HasPrefix(ref, uploadsPrefix) && (strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://"))
}

// ResolveLocalPath maps /api/uploads/<file> to <uploadsDir>/<file>. Other
// references are returned unchanged.
func ResolveLocalPath(uploadsDir, ref string) string {
	if strings.HasPrefix(ref, uploadsPrefix) {
		return filepath.Join(uploadsDir, filepath.Base(ref))
	}
	return ref
}
