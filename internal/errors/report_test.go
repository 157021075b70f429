// internal/errors/report_test.go
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"

	"github.com/valpere/marketrunner/internal/utils"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"plain", stderrors.New("boom"), ExitGeneral},
		{"config stage", Wrap(StageConfig, stderrors.New("bad yaml")), ExitConfig},
		{"input stage", Wrap(StageInput, stderrors.New("no url")), ExitValidation},
		{"output stage", Wrap(StageOutput, stderrors.New("disk full")), ExitOutput},
		{"blocked", utils.NewError(utils.ErrCodeCaptcha, "captcha").Build(), ExitBlocked},
		{"timeout", utils.NewError(utils.ErrCodeNetworkTimeout, "slow").Build(), ExitNetwork},
		{"not found", utils.NewError(utils.ErrCodeNotFound, "gone").Build(), ExitExtraction},
		{"extraction failed", utils.NewError(utils.ErrCodeExtractionFailed, "all failed").Build(), ExitExtraction},
		{"memory", utils.NewError(utils.ErrCodeMemoryLimit, "oom").Build(), ExitResource},
		{"invalid config code", utils.NewError(utils.ErrCodeInvalidConfig, "bad").Build(), ExitConfig},
		{"shutdown", utils.NewError(utils.ErrCodeShutdown, "stopped").Build(), ExitGeneral},
		{
			"wrapped structured",
			fmt.Errorf("run: %w", utils.NewError(utils.ErrCodeRateLimited, "429").Build()),
			ExitBlocked,
		},
		{
			"stage wins over category",
			Wrap(StageOutput, utils.NewError(utils.ErrCodeNetworkTimeout, "db").Build()),
			ExitOutput,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(StageRun, nil) != nil {
		t.Error("Wrap(nil) should stay nil")
	}
}

func TestStageErrorUnwraps(t *testing.T) {
	cause := stderrors.New("cause")
	err := Wrap(StageInput, cause)
	if !stderrors.Is(err, cause) {
		t.Error("stage error should unwrap to its cause")
	}
	if StageOf(err) != StageInput {
		t.Errorf("StageOf() = %q", StageOf(err))
	}
}

func TestFormatForCLI(t *testing.T) {
	err := Wrap(StageConfig, stderrors.New("maxWorkers: must be positive"))

	quiet := FormatForCLI(err, false)
	if !strings.Contains(quiet, "Configuration Error") {
		t.Errorf("missing title: %s", quiet)
	}
	if strings.Contains(quiet, "maxWorkers") {
		t.Errorf("technical details leaked without verbose: %s", quiet)
	}

	verbose := FormatForCLI(err, true)
	if !strings.Contains(verbose, "maxWorkers: must be positive") {
		t.Errorf("verbose output should include details: %s", verbose)
	}
	if !strings.Contains(verbose, "Suggestions:") {
		t.Errorf("missing suggestions: %s", verbose)
	}
}
