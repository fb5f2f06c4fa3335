package images

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultBinary is the poppler tool used for PDF image extraction.
	DefaultBinary = "pdfimages"

	// DefaultTimeout bounds each pdfimages run.
	DefaultTimeout = 30 * time.Second
)

// PDFOptions configures a PDFExtractor. Zero values fall back to defaults.
type PDFOptions struct {
	Binary     string
	ScratchDir string
	Timeout    time.Duration
	Runner     CommandRunner
	Logger     *slog.Logger
}

// PDFExtractor extracts images from PDFs by running pdfimages in a scratch
// directory keyed by document id.
type PDFExtractor struct {
	binary     string
	scratchDir string
	timeout    time.Duration
	runner     CommandRunner
	logger     *slog.Logger
}

// NewPDFExtractor creates a PDF image extractor.
func NewPDFExtractor(opts PDFOptions) *PDFExtractor {
	e := &PDFExtractor{
		binary:     opts.Binary,
		scratchDir: opts.ScratchDir,
		timeout:    opts.Timeout,
		runner:     opts.Runner,
		logger:     opts.Logger,
	}
	if e.binary == "" {
		e.binary = DefaultBinary
	}
	if e.scratchDir == "" {
		e.scratchDir = filepath.Join(os.TempDir(), "docrag")
	}
	if e.timeout <= 0 {
		e.timeout = DefaultTimeout
	}
	if e.runner == nil {
		e.runner = ExecRunner{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// listEntry is one row of `pdfimages -list` output.
type listEntry struct {
	Page   int
	Num    int
	Type   string
	Width  int
	Height int
	Color  string
}

// Extract writes the PDF to scratch space, runs pdfimages and returns the
// images ordered by (image index, page). A PDF without images returns an
// empty slice and no error. Scratch files are removed on every path.
func (e *PDFExtractor) Extract(ctx context.Context, docID string, data []byte) ([]Image, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	outDir := filepath.Join(e.scratchDir, docID)
	srcPath := filepath.Join(e.scratchDir, docID+".pdf")

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create scratch dir: %v", ErrImageExtraction, err)
	}
	defer e.cleanup(outDir, srcPath)

	if err := os.WriteFile(srcPath, data, 0o600); err != nil {
		return nil, fmt.Errorf("%w: write pdf copy: %v", ErrImageExtraction, err)
	}

	listing := e.list(ctx, docID, srcPath)

	res, err := e.runner.Run(ctx, e.binary, "-p", "-png", srcPath, filepath.Join(outDir, outputPrefix))
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return nil, fmt.Errorf("%w: %s timed out after %s", ErrImageExtraction, e.binary, e.timeout)
		case errors.Is(err, exec.ErrNotFound):
			return nil, fmt.Errorf("%w: %s not installed", ErrImageExtraction, e.binary)
		default:
			return nil, fmt.Errorf("%w: run %s: %v", ErrImageExtraction, e.binary, err)
		}
	}

	outcome := ClassifyExit(res.ExitCode, string(res.Stderr))
	switch outcome.Status {
	case Failed:
		return nil, fmt.Errorf("%w: %s: %s", ErrImageExtraction, e.binary, outcome.Diagnostic)
	case BenignNoOutput:
		e.logger.Info("pdfimages reported no images", "doc_id", docID, "diagnostic", outcome.Diagnostic)
	}

	return e.collect(outDir, listing)
}

// list runs `pdfimages -list`. Failures are logged and yield no metadata.
func (e *PDFExtractor) list(ctx context.Context, docID, srcPath string) map[int]listEntry {
	res, err := e.runner.Run(ctx, e.binary, "-list", srcPath)
	if err != nil || res.ExitCode != 0 {
		e.logger.Debug("pdfimages -list unavailable, continuing without metadata",
			"doc_id", docID, "exit_code", res.ExitCode, "error", err)
		return nil
	}
	return parseImageList(string(res.Stdout))
}

type outputFile struct {
	name  string
	page  int
	index int
}

// collect reads every output file matching the naming grammar.
func (e *PDFExtractor) collect(outDir string, listing map[int]listEntry) ([]Image, error) {
	entries, err := os.ReadDir(outDir)
	if err != nil {
		return nil, fmt.Errorf("%w: read scratch dir: %v", ErrImageExtraction, err)
	}

	var files []outputFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		page, index, ok := ParseImageFileName(entry.Name())
		if !ok {
			continue
		}
		files = append(files, outputFile{name: entry.Name(), page: page, index: index})
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].index != files[j].index {
			return files[i].index < files[j].index
		}
		return files[i].page < files[j].page
	})

	out := make([]Image, 0, len(files))
	for _, f := range files {
		content, err := os.ReadFile(filepath.Join(outDir, f.name))
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrImageExtraction, f.name, err)
		}

		meta := map[string]any{
			"original_filename": f.name,
			"extraction_method": MethodPDFImages,
		}
		if row, ok := listing[f.index]; ok {
			meta["width"] = row.Width
			meta["height"] = row.Height
			meta["image_type"] = row.Type
			meta["color"] = row.Color
		}

		page := f.page
		out = append(out, Image{
			Data:        content,
			ContentType: "image/png",
			PageIndex:   &page,
			ImageIndex:  f.index,
			Metadata:    meta,
		})
	}
	return out, nil
}

func (e *PDFExtractor) cleanup(outDir, srcPath string) {
	if err := os.RemoveAll(outDir); err != nil {
		e.logger.Debug("failed to remove scratch dir", "path", outDir, "error", err)
	}
	if err := os.Remove(srcPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		e.logger.Debug("failed to remove pdf copy", "path", srcPath, "error", err)
	}
}

// parseImageList reads `pdfimages -list` output, keyed by image number.
//
//	page   num  type   width height color comp bpc  enc interp  object ID x-ppi y-ppi size ratio
//	--------------------------------------------------------------------------------------------
//	   1     0 image     800   600  rgb     3   8  jpeg   no        10  0    72    72 40.2K 2.9%
func parseImageList(out string) map[int]listEntry {
	rows := make(map[int]listEntry)
	for _, line := range strings.Split(out, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "---") {
			continue
		}
		fields := strings.Fields(trimmed)
		if len(fields) < 6 || fields[0] == "page" {
			continue
		}

		page, err1 := strconv.Atoi(fields[0])
		num, err2 := strconv.Atoi(fields[1])
		width, err3 := strconv.Atoi(fields[3])
		height, err4 := strconv.Atoi(fields[4])
		if err := errors.Join(err1, err2, err3, err4); err != nil {
			continue
		}

		rows[num] = listEntry{
			Page:   page,
			Num:    num,
			Type:   fields[2],
			Width:  width,
			Height: height,
			Color:  fields[5],
		}
	}
	return rows
}
