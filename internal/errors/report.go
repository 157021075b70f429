// internal/errors/report.go

// Package errors turns failures of the command line tool into readable
// reports and process exit codes.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/valpere/marketrunner/internal/utils"
)

// Exit codes returned by the CLI.
const (
	ExitOK         = 0
	ExitGeneral    = 1
	ExitConfig     = 2
	ExitNetwork    = 3
	ExitExtraction = 4
	ExitOutput     = 5
	ExitValidation = 6
	ExitBlocked    = 7
	ExitResource   = 8
)

// Stage names the step of a command that failed.
type Stage string

const (
	StageConfig Stage = "config"
	StageInput  Stage = "input"
	StageRun    Stage = "run"
	StageOutput Stage = "output"
)

// StageError attaches a stage to an error.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Wrap tags err with stage. A nil error stays nil.
func Wrap(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}

// StageOf returns the stage err was tagged with, or "" when untagged.
func StageOf(err error) Stage {
	var se *StageError
	if stderrors.As(err, &se) {
		return se.Stage
	}
	return ""
}

// ExitCode maps an error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch StageOf(err) {
	case StageConfig:
		return ExitConfig
	case StageInput:
		return ExitValidation
	case StageOutput:
		return ExitOutput
	}

	var structured *utils.StructuredError
	if !stderrors.As(err, &structured) {
		return ExitGeneral
	}
	switch structured.Code {
	case utils.ErrCodeInvalidConfig:
		return ExitConfig
	case utils.ErrCodeExtractionFailed:
		return ExitExtraction
	}
	switch structured.Category() {
	case utils.CategoryTransient:
		return ExitNetwork
	case utils.CategoryBlocking:
		return ExitBlocked
	case utils.CategoryPermanent:
		return ExitExtraction
	case utils.CategoryResource:
		return ExitResource
	}
	return ExitGeneral
}

// Report is a user facing description of a failure.
type Report struct {
	Title       string
	Message     string
	Suggestions []string
}

// Describe builds a Report for err.
func Describe(err error) Report {
	if err == nil {
		return Report{}
	}
	switch StageOf(err) {
	case StageConfig:
		return Report{
			Title:   "Configuration Error",
			Message: "The configuration could not be loaded or is invalid.",
			Suggestions: []string{
				"Run 'marketrunner validate <config>' for a full list of problems",
				"Generate a fresh starting point with 'marketrunner template'",
			},
		}
	case StageInput:
		return Report{
			Title:   "Invalid Input",
			Message: "The command arguments or the task list could not be read.",
			Suggestions: []string{
				"Tasks are a JSON array of objects with at least a \"url\" field",
				"Only http and https URLs are accepted",
			},
		}
	case StageOutput:
		return Report{
			Title:   "Output Error",
			Message: "Results were collected but could not be written.",
			Suggestions: []string{
				"Check the output path or database DSN",
				"Make sure the target table name is a plain identifier",
			},
		}
	}

	var structured *utils.StructuredError
	if stderrors.As(err, &structured) {
		category := structured.Category()
		if structured.Code == utils.ErrCodeExtractionFailed {
			category = utils.CategoryPermanent
		}
		switch category {
		case utils.CategoryBlocking:
			return Report{
				Title:   "Blocked By Target",
				Message: "The target site rejected the requests as automated traffic.",
				Suggestions: []string{
					"Add proxies to the pool or lower maxConcurrencyPerWorker",
					"Enable the browser strategy for JavaScript challenges",
				},
			}
		case utils.CategoryTransient:
			return Report{
				Title:   "Network Failure",
				Message: "Requests kept failing after all retries.",
				Suggestions: []string{
					"Check connectivity to the target and to the proxies",
					"Raise taskTimeoutMs or maxRetries",
				},
			}
		case utils.CategoryResource:
			return Report{
				Title:       "Resources Exhausted",
				Message:     "The runtime ran out of memory or concurrency headroom.",
				Suggestions: []string{"Lower maxWorkers or resources.memoryHighWaterMb"},
			}
		case utils.CategoryPermanent:
			return Report{
				Title:   "Extraction Failed",
				Message: "The pages were fetched but the fields could not be extracted.",
				Suggestions: []string{
					"Check the CSS selectors under strategies.static.fields",
					"The site layout may have changed",
				},
			}
		}
	}

	return Report{
		Title:       "Unexpected Error",
		Message:     "An unexpected error occurred.",
		Suggestions: []string{"Re-run with --verbose for technical details"},
	}
}

// FormatForCLI renders err for stderr. Technical details are included when
// verbose is set.
func FormatForCLI(err error, verbose bool) string {
	report := Describe(err)
	var b strings.Builder
	fmt.Fprintf(&b, "Error: %s\n%s\n", report.Title, report.Message)
	if verbose {
		fmt.Fprintf(&b, "\nDetails: %v\n", err)
	}
	if len(report.Suggestions) > 0 {
		b.WriteString("\nSuggestions:\n")
		for _, s := range report.Suggestions {
			fmt.Fprintf(&b, "  - %s\n", s)
		}
	}
	return b.String()
}
