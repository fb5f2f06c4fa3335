// Package images pulls embedded raster images out of PDF and DOCX documents.
package images

import (
	"errors"
	"path"
	"strings"
)

// ErrImageExtraction marks a genuine extraction failure. A document without
// images is not an error.
var ErrImageExtraction = errors.New("image extraction failed")

// Extraction methods recorded in image metadata.
const (
	MethodPDFImages = "pdfimages"
	MethodDOCXMedia = "docx_media"
)

// Image is one extracted raster image.
type Image struct {
	Data        []byte
	ContentType string
	PageIndex   *int // nil for sources without pages
	ImageIndex  int
	Metadata    map[string]any
}

var contentTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".bmp":  "image/bmp",
}

// ContentTypeFor maps a file extension to an image MIME type. Unknown
// extensions are reported as PNG.
func ContentTypeFor(name string) string {
	if ct, ok := contentTypes[strings.ToLower(path.Ext(name))]; ok {
		return ct
	}
	return "image/png"
}
