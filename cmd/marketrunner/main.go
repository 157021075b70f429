// cmd/marketrunner/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/valpere/marketrunner/internal/config"
	clierrors "github.com/valpere/marketrunner/internal/errors"
	"github.com/valpere/marketrunner/internal/output"
	"github.com/valpere/marketrunner/internal/security"
	"github.com/valpere/marketrunner/internal/server"
	"github.com/valpere/marketrunner/internal/utils"
	"github.com/valpere/marketrunner/pkg/api"
	"github.com/valpere/marketrunner/pkg/types"
)

// Build information, set with -ldflags.
var (
	buildTime = "unknown"
	gitCommit = "unknown"
)

const shutdownTimeout = 30 * time.Second

var logger = utils.NewComponentLogger("cli")

func main() {
	code := execute(os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	utils.Sync()
	os.Exit(code)
}

// execute dispatches a command and returns the process exit code.
func execute(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return clierrors.ExitGeneral
	}

	command, rest := args[0], args[1:]
	var err error
	verbose := false

	switch command {
	case "run":
		verbose, err = runCommand(rest, stdin, stdout, stderr)
	case "serve":
		verbose, err = serveCommand(rest, stderr)
	case "validate":
		verbose, err = validateCommand(rest, stdout)
	case "template":
		err = templateCommand(rest, stdout)
	case "version", "--version":
		printVersion(stdout)
	case "help", "--help", "-h":
		printUsage(stdout)
	default:
		fmt.Fprintf(stderr, "Error: unknown command '%s'\n\n", command)
		printUsage(stderr)
		return clierrors.ExitGeneral
	}

	if err != nil {
		fmt.Fprint(stderr, clierrors.FormatForCLI(err, verbose))
		return clierrors.ExitCode(err)
	}
	return clierrors.ExitOK
}

func newFlagSet(name string, stderr io.Writer) (*flag.FlagSet, *bool) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	verbose := fs.Bool("verbose", false, "print technical error details")
	fs.BoolVar(verbose, "v", false, "shorthand for --verbose")
	return fs, verbose
}

// loadConfig reads the file named by the first positional argument, or the
// defaults when there is none, and applies its logging settings.
func loadConfig(fs *flag.FlagSet) (*config.Config, string, error) {
	path := fs.Arg(0)
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, path, clierrors.Wrap(clierrors.StageConfig, err)
	}
	utils.ConfigureLogging(cfg.Logging.Level, cfg.Logging.Format)
	return cfg, path, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func shutdown(rt *api.Runtime) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return rt.Shutdown(ctx)
}

// runCommand executes one batch of tasks and writes the results.
func runCommand(args []string, stdin io.Reader, stdout, stderr io.Writer) (bool, error) {
	fs, verbose := newFlagSet("run", stderr)
	input := fs.String("input", "-", "task list file, - for stdin")
	outFile := fs.String("output", "", "override output.file")
	format := fs.String("format", "", "override output.format")
	if err := fs.Parse(args); err != nil {
		return false, clierrors.Wrap(clierrors.StageInput, err)
	}

	cfg, _, err := loadConfig(fs)
	if err != nil {
		return *verbose, err
	}
	outCfg := cfg.Output
	if *outFile != "" {
		outCfg.File = *outFile
		if *format == "" {
			outCfg.Format = ""
		}
	}
	if *format != "" {
		outCfg.Format = *format
	}
	sink, err := output.NewManager(outCfg)
	if err != nil {
		return *verbose, clierrors.Wrap(clierrors.StageConfig, err)
	}

	tasks, err := readTasks(*input, stdin)
	if err != nil {
		return *verbose, clierrors.Wrap(clierrors.StageInput, err)
	}

	rt, err := api.New(cfg)
	if err != nil {
		return *verbose, clierrors.Wrap(clierrors.StageConfig, err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	logger.Infof("running %d tasks with %d workers", len(tasks), cfg.MaxWorkers)
	started := time.Now()
	results, runErr := rt.Submit(ctx, tasks)
	if err := shutdown(rt); err != nil {
		logger.Warnf("shutdown: %v", err)
	}

	if len(results) > 0 {
		if err := sink.WriteResults(results); err != nil {
			return *verbose, clierrors.Wrap(clierrors.StageOutput, err)
		}
	}

	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
		}
	}
	fmt.Fprintf(stderr, "Completed %d/%d tasks in %s (output: %s)\n",
		succeeded, len(results), time.Since(started).Round(time.Millisecond), describeSink(outCfg, sink))

	if runErr != nil {
		return *verbose, runErr
	}
	if succeeded == 0 && len(results) > 0 {
		return *verbose, utils.NewError(utils.ErrCodeExtractionFailed, "every task failed").
			WithContext("first_error", results[0].Error).
			Build()
	}
	return *verbose, nil
}

func describeSink(cfg output.Config, sink *output.Manager) string {
	switch {
	case cfg.File != "":
		return fmt.Sprintf("%s %s", sink.Format(), cfg.File)
	case cfg.DSN != "":
		return fmt.Sprintf("%s %s", sink.Format(), utils.RedactURL(cfg.DSN))
	}
	return fmt.Sprintf("%s stdout", sink.Format())
}

func readTasks(path string, stdin io.Reader) ([]types.TaskInput, error) {
	r := stdin
	if path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open task list: %w", err)
		}
		defer f.Close()
		r = f
	}
	tasks, err := types.ParseTasks(r)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("task list is empty")
	}
	for i, t := range tasks {
		if err := t.Target().Validate(); err != nil {
			return nil, fmt.Errorf("task %d: %w", i, err)
		}
	}
	return tasks, nil
}

// serveCommand runs the HTTP API until interrupted. Logging settings are
// reloaded when the configuration file changes.
func serveCommand(args []string, stderr io.Writer) (bool, error) {
	fs, verbose := newFlagSet("serve", stderr)
	addr := fs.String("addr", "", "override server.addr")
	if err := fs.Parse(args); err != nil {
		return false, clierrors.Wrap(clierrors.StageInput, err)
	}

	cfg, path, err := loadConfig(fs)
	if err != nil {
		return *verbose, err
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	rt, err := api.New(cfg)
	if err != nil {
		return *verbose, clierrors.Wrap(clierrors.StageConfig, err)
	}

	if path != "" {
		watcher, err := config.NewWatcher(path)
		if err != nil {
			logger.Warnf("config reload disabled: %v", err)
		} else {
			defer watcher.Close()
			watcher.OnChange(func(next *config.Config) {
				utils.ConfigureLogging(next.Logging.Level, next.Logging.Format)
				logger.Infof("logging reconfigured: level=%s format=%s", next.Logging.Level, next.Logging.Format)
			})
		}
	}

	srv := server.New(rt, server.Options{
		Addr:              cfg.Server.Addr,
		HealthHandler:     rt.Health().HealthHandler(),
		MetricsHandler:    rt.Metrics().MetricsHandler(),
		MaxBatch:          cfg.Server.MaxBatch,
		RequestsPerSecond: cfg.Server.RequestsPerSecond,
		Burst:             cfg.Server.Burst,
		TargetPolicy: &security.TargetPolicy{
			AllowPrivate:   cfg.Server.AllowPrivateTargets,
			BlockedDomains: cfg.Server.BlockedDomains,
		},
	})

	ctx, cancel := signalContext()
	defer cancel()

	serveErr := srv.Run(ctx)
	if err := shutdown(rt); err != nil {
		logger.Warnf("shutdown: %v", err)
	}
	return *verbose, serveErr
}

func validateCommand(args []string, stdout io.Writer) (bool, error) {
	fs, verbose := newFlagSet("validate", stdout)
	if err := fs.Parse(args); err != nil {
		return false, clierrors.Wrap(clierrors.StageInput, err)
	}
	if fs.NArg() < 1 {
		return *verbose, clierrors.Wrap(clierrors.StageInput, fmt.Errorf("config file required"))
	}

	cfg, path, err := loadConfig(fs)
	if err != nil {
		return true, err
	}
	result := cfg.ValidateWithDetails()
	for _, w := range result.Warnings {
		fmt.Fprintf(stdout, "warning: %s\n", w)
	}
	fmt.Fprintf(stdout, "Configuration file '%s' is valid\n", path)
	if *verbose {
		fmt.Fprintf(stdout, "  Workers: %d x %d\n", cfg.MaxWorkers, cfg.MaxConcurrencyPerWorker)
		fmt.Fprintf(stdout, "  Proxies: %d\n", len(cfg.Proxies))
		fmt.Fprintf(stdout, "  Strategies: %v\n", cfg.Strategies.Order)
		fmt.Fprintf(stdout, "  Output: %s\n", cfg.Output.Format)
	}
	return *verbose, nil
}

func templateCommand(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("template", flag.ContinueOnError)
	fs.SetOutput(stdout)
	templateType := fs.String("type", "basic", "template type")
	if err := fs.Parse(args); err != nil {
		return clierrors.Wrap(clierrors.StageInput, err)
	}
	cfg := config.GenerateTemplate(*templateType)
	if err := config.SaveToWriter(&cfg, stdout); err != nil {
		return clierrors.Wrap(clierrors.StageConfig, err)
	}
	return nil
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "marketrunner - resilient marketplace extraction runtime")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  marketrunner run [flags] [config.yaml]      Run a task batch (--input tasks.json, default stdin)")
	fmt.Fprintln(w, "  marketrunner serve [flags] [config.yaml]    Serve the HTTP API")
	fmt.Fprintln(w, "  marketrunner validate <config.yaml>         Validate a configuration file")
	fmt.Fprintln(w, "  marketrunner template [--type <type>]       Print a configuration template")
	fmt.Fprintln(w, "  marketrunner version                        Show version information")
	fmt.Fprintln(w, "  marketrunner help                           Show this help message")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Options:")
	fmt.Fprintln(w, "  -v, --verbose    Print technical error details")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Template types:")
	for _, t := range config.TemplateTypes() {
		fmt.Fprintf(w, "  %s\n", t)
	}
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "marketrunner %s\n", api.Version)
	fmt.Fprintf(w, "Build time: %s\n", buildTime)
	fmt.Fprintf(w, "Git commit: %s\n", gitCommit)
}
