package filetypes

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

const (
	CategoryImage    = "image"
	CategoryVideo    = "video"
	CategoryAudio    = "audio"
	CategoryDocument = "document"
	CategoryArchive  = "archive"

	megabyte = int64(1024 * 1024)
)

var (
	ErrUnsupportedType = errors.New("filetypes: unsupported file type")
	ErrFileTooLarge    = errors.New("filetypes: file exceeds the size limit")
	ErrExtensionMismatch = errors.New("filetypes: extension does not match the declared type")
)

// Entry describes one allowed MIME type.
type Entry struct {
	Category    string
	Subtype     string
	Extensions  []string
	MaxSize     int64
	Previewable bool
}

// CategoryNames maps categories to their localised display names.
var CategoryNames = map[string]string{
	CategoryImage:    "이미지",
	CategoryVideo:    "동영상",
	CategoryAudio:    "오디오",
	CategoryDocument: "문서",
	CategoryArchive:  "압축파일",
}

var registry = map[string]Entry{
	"image/jpeg": {Category: CategoryImage, Subtype: "jpeg", Extensions: []string{".jpg", ".jpeg"}, MaxSize: 10 * megabyte, Previewable: true},
	"image/png":  {Category: CategoryImage, Subtype: "png", Extensions: []string{".png"}, MaxSize: 10 * megabyte, Previewable: true},
	"image/gif":  {Category: CategoryImage, Subtype: "gif", Extensions: []string{".gif"}, MaxSize: 10 * megabyte, Previewable: true},
	"image/webp": {Category: CategoryImage, Subtype: "webp", Extensions: []string{".webp"}, MaxSize: 10 * megabyte, Previewable: true},

	"video/mp4":       {Category: CategoryVideo, Subtype: "mp4", Extensions: []string{".mp4"}, MaxSize: 50 * megabyte, Previewable: true},
	"video/webm":      {Category: CategoryVideo, Subtype: "webm", Extensions: []string{".webm"}, MaxSize: 50 * megabyte, Previewable: true},
	"video/quicktime": {Category: CategoryVideo, Subtype: "mov", Extensions: []string{".mov"}, MaxSize: 50 * megabyte, Previewable: false},

	"audio/mpeg": {Category: CategoryAudio, Subtype: "mp3", Extensions: []string{".mp3"}, MaxSize: 20 * megabyte, Previewable: true},
	"audio/wav":  {Category: CategoryAudio, Subtype: "wav", Extensions: []string{".wav"}, MaxSize: 20 * megabyte, Previewable: true},
	"audio/ogg":  {Category: CategoryAudio, Subtype: "ogg", Extensions: []string{".ogg"}, MaxSize: 20 * megabyte, Previewable: true},

	"application/pdf":    {Category: CategoryDocument, Subtype: "pdf", Extensions: []string{".pdf"}, MaxSize: 20 * megabyte, Previewable: true},
	"text/plain":         {Category: CategoryDocument, Subtype: "txt", Extensions: []string{".txt"}, MaxSize: 10 * megabyte, Previewable: true},
	"application/msword": {Category: CategoryDocument, Subtype: "doc", Extensions: []string{".doc"}, MaxSize: 20 * megabyte, Previewable: false},
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": {
		Category: CategoryDocument, Subtype: "docx", Extensions: []string{".docx"}, MaxSize: 20 * megabyte, Previewable: false,
	},

	"application/zip":              {Category: CategoryArchive, Subtype: "zip", Extensions: []string{".zip"}, MaxSize: 50 * megabyte, Previewable: false},
	"application/x-7z-compressed":  {Category: CategoryArchive, Subtype: "7z", Extensions: []string{".7z"}, MaxSize: 50 * megabyte, Previewable: false},
	"application/x-rar-compressed": {Category: CategoryArchive, Subtype: "rar", Extensions: []string{".rar"}, MaxSize: 50 * megabyte, Previewable: false},
}

// Lookup returns the registry entry for a MIME type.
func Lookup(mimeType string) (Entry, bool) {
	entry, ok := registry[strings.ToLower(strings.TrimSpace(mimeType))]
	return entry, ok
}

// Validate checks a proposed upload against the registry before any
// presigned URL is issued.
func Validate(filename, mimeType string, size int64) (Entry, error) {
	entry, ok := Lookup(mimeType)
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnsupportedType, mimeType)
	}
	if size <= 0 || size > entry.MaxSize {
		return Entry{}, fmt.Errorf("%w: %d bytes (limit %d)", ErrFileTooLarge, size, entry.MaxSize)
	}
	extension := strings.ToLower(filepath.Ext(filename))
	if extension != "" && !containsExtension(entry.Extensions, extension) {
		return Entry{}, fmt.Errorf("%w: %s for %s", ErrExtensionMismatch, extension, mimeType)
	}
	return entry, nil
}

func containsExtension(extensions []string, extension string) bool {
	for _, candidate := range extensions {
		if candidate == extension {
			return true
		}
	}
	return false
}
