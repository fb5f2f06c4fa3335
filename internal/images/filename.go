package images

import (
	"fmt"
	"regexp"
	"strconv"
)

// outputPrefix is the root passed to pdfimages. With -p the tool writes
// <prefix>-<page>-<index>.png, page 1-based and index counted across the
// whole document, both zero-padded to at least three digits.
const outputPrefix = "img"

var outputName = regexp.MustCompile(`^img-(\d+)-(\d+)\.png$`)

// ImageFileName renders the name pdfimages gives an image.
func ImageFileName(page, index int) string {
	return fmt.Sprintf("%s-%03d-%03d.png", outputPrefix, page, index)
}

// ParseImageFileName recovers page and image index from an output file name.
func ParseImageFileName(name string) (page, index int, ok bool) {
	m := outputName.FindStringSubmatch(name)
	if m == nil {
		return 0, 0, false
	}
	page, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, 0, false
	}
	index, err = strconv.Atoi(m[2])
	if err != nil {
		return 0, 0, false
	}
	return page, index, true
}
