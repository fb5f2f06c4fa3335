package images

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"
)

const docxMediaDir = "word/media/"

// ExtractDOCX returns every raster image stored under word/media/, in archive
// order. DOCX has no page concept so PageIndex is always nil.
func ExtractDOCX(data []byte) ([]Image, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: open docx: %v", ErrImageExtraction, err)
	}

	var out []Image
	for _, f := range zr.File {
		name := f.Name
		if !strings.HasPrefix(name, docxMediaDir) {
			continue
		}
		if _, ok := contentTypes[strings.ToLower(path.Ext(name))]; !ok {
			continue
		}

		content, err := readEntry(f)
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrImageExtraction, name, err)
		}

		out = append(out, Image{
			Data:        content,
			ContentType: ContentTypeFor(name),
			ImageIndex:  len(out),
			Metadata: map[string]any{
				"original_filename": path.Base(name),
				"extraction_method": MethodDOCXMedia,
			},
		})
	}
	return out, nil
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
