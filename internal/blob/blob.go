// Package blob stores original uploads and extracted images and returns
// public URLs for them.
package blob

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"strings"
)

var (
	ErrUpload = errors.New("blob upload failed")
	ErrDelete = errors.New("blob delete failed")
)

// Store uploads a buffer under bucket/path and returns its public URL.
// Uploading to an existing path replaces the content. Delete ignores
// paths that do not exist.
type Store interface {
	Upload(ctx context.Context, bucket, path string, data []byte, contentType string) (string, error)
	Delete(ctx context.Context, bucket string, paths []string) error
}

// OriginalPath is where an uploaded source file is kept.
func OriginalPath(docID, filename string) string {
	return "originals/" + docID + "/" + filename
}

// ImagePath is where the i-th extracted image of a document is kept.
// sourceKind is "pdf" or "docx".
func ImagePath(sourceKind, docID string, index int) string {
	return sourceKind + "/" + docID + "/image_" + strconv.Itoa(index)
}

// escapePath escapes each segment of an object path for use in a URL.
func escapePath(p string) string {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
