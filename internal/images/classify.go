package images

import (
	"fmt"
	"strings"
)

// Status is the interpretation of an extraction subprocess exit.
type Status int

const (
	Succeeded Status = iota
	BenignNoOutput
	Failed
)

func (s Status) String() string {
	switch s {
	case Succeeded:
		return "succeeded"
	case BenignNoOutput:
		return "benign_no_output"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Outcome describes how a pdfimages run ended.
type Outcome struct {
	Status     Status
	Diagnostic string
}

// OK reports whether the run may proceed to reading output files.
func (o Outcome) OK() bool {
	return o.Status != Failed
}

// ClassifyExit interprets a pdfimages exit. The tool exits with code 1 both
// when the document has no images and on some real errors; code 1 counts as
// benign unless stderr mentions an error.
func ClassifyExit(exitCode int, stderr string) Outcome {
	diag := strings.TrimSpace(stderr)
	switch {
	case exitCode == 0:
		return Outcome{Status: Succeeded, Diagnostic: diag}
	case exitCode == 1 && !strings.Contains(strings.ToLower(diag), "error"):
		return Outcome{Status: BenignNoOutput, Diagnostic: diag}
	default:
		if diag == "" {
			diag = fmt.Sprintf("exit code %d", exitCode)
		}
		return Outcome{Status: Failed, Diagnostic: diag}
	}
}
