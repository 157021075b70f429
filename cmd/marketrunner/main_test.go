// cmd/marketrunner/main_test.go
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/valpere/marketrunner/internal/config"
	clierrors "github.com/valpere/marketrunner/internal/errors"
	"github.com/valpere/marketrunner/internal/scraper"
	"github.com/valpere/marketrunner/pkg/api"
	"github.com/valpere/marketrunner/pkg/types"
)

func runCLI(t *testing.T, stdin string, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := execute(args, strings.NewReader(stdin), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func writeConfig(t *testing.T, mutate func(*config.Config)) string {
	t.Helper()
	cfg, err := config.Default()
	if err != nil {
		t.Fatalf("config.Default: %v", err)
	}
	cfg.MaxWorkers = 2
	cfg.MaxRetries = 1
	cfg.TaskTimeoutMs = 5000
	cfg.AdaptiveConcurrency = false
	cfg.Strategies.Order = []string{"static"}
	cfg.Strategies.AttemptsPerStrategy = 1
	cfg.Strategies.Static.Fields = []scraper.FieldConfig{
		{Name: "heading", Selector: "h1", Type: "text", Required: true},
		{Name: "price", Selector: ".price", Type: "text"},
	}
	cfg.Strategies.DirectRateLimit.BaseIntervalMs = 1
	cfg.Strategies.DirectRateLimit.MaxIntervalMs = 10
	cfg.Logging.Level = "error"
	if mutate != nil {
		mutate(cfg)
	}
	path := filepath.Join(t.TempDir(), "marketrunner.yaml")
	if err := config.SaveToFile(cfg, path); err != nil {
		t.Fatalf("SaveToFile: %v", err)
	}
	return path
}

func listingServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/missing") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, `<html><body><h1>Lamp %s</h1><span class="price">$19.99</span>%s</body></html>`,
			r.URL.Path, strings.Repeat("<p>listing details</p>", 60))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCLIVersion(t *testing.T) {
	api.Version = "test-version"
	buildTime = "2026-10-19"
	gitCommit = "abc123"

	code, out, _ := runCLI(t, "", "version")
	if code != clierrors.ExitOK {
		t.Fatalf("exit code = %d", code)
	}
	for _, want := range []string{"test-version", "2026-10-19", "abc123"} {
		if !strings.Contains(out, want) {
			t.Errorf("version output should contain %q, got: %s", want, out)
		}
	}
}

func TestCLIHelp(t *testing.T) {
	_, out, _ := runCLI(t, "", "help")
	for _, cmd := range []string{"run", "serve", "validate", "template", "version", "help", "proxied"} {
		if !strings.Contains(out, cmd) {
			t.Errorf("help output should contain %q, got: %s", cmd, out)
		}
	}
}

func TestUnknownCommand(t *testing.T) {
	code, _, errOut := runCLI(t, "", "scrape")
	if code != clierrors.ExitGeneral {
		t.Errorf("exit code = %d", code)
	}
	if !strings.Contains(errOut, "unknown command 'scrape'") {
		t.Errorf("stderr = %s", errOut)
	}
}

func TestTemplateLoadsBack(t *testing.T) {
	for _, typ := range config.TemplateTypes() {
		t.Run(typ, func(t *testing.T) {
			code, out, errOut := runCLI(t, "", "template", "--type", typ)
			if code != clierrors.ExitOK {
				t.Fatalf("exit code = %d: %s", code, errOut)
			}
			if _, err := config.LoadFromBytes([]byte(out)); err != nil {
				t.Errorf("template %s does not load: %v", typ, err)
			}
		})
	}
}

func TestValidateCommand(t *testing.T) {
	good := writeConfig(t, nil)
	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("maxWorkers: -1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		args []string
		code int
		want string
	}{
		{"valid", []string{"validate", good}, clierrors.ExitOK, "is valid"},
		{"invalid", []string{"validate", bad}, clierrors.ExitConfig, "Configuration Error"},
		{"missing file", []string{"validate", filepath.Join(t.TempDir(), "nope.yaml")}, clierrors.ExitConfig, "not found"},
		{"no argument", []string{"validate"}, clierrors.ExitValidation, "Invalid Input"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, out, errOut := runCLI(t, "", tt.args...)
			if code != tt.code {
				t.Errorf("exit code = %d, want %d (stderr: %s)", code, tt.code, errOut)
			}
			if !strings.Contains(out+errOut, tt.want) {
				t.Errorf("output missing %q: %s%s", tt.want, out, errOut)
			}
		})
	}
}

func TestRunWritesResults(t *testing.T) {
	site := listingServer(t)
	cfgPath := writeConfig(t, nil)
	outPath := filepath.Join(t.TempDir(), "results.json")

	tasks := fmt.Sprintf(`[{"url":%q},{"url":%q}]`, site.URL+"/item/1", site.URL+"/item/2")
	code, _, errOut := runCLI(t, tasks, "run", "--output", outPath, cfgPath)
	if code != clierrors.ExitOK {
		t.Fatalf("exit code = %d: %s", code, errOut)
	}
	if !strings.Contains(errOut, "Completed 2/2 tasks") {
		t.Errorf("summary missing: %s", errOut)
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	var results []types.Result
	if err := json.Unmarshal(data, &results); err != nil {
		t.Fatalf("output is not a JSON array: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results", len(results))
	}
	for _, r := range results {
		if !r.Success || r.Data["heading"] == nil {
			t.Errorf("unexpected result: %+v", r)
		}
	}
}

func TestRunAllFailed(t *testing.T) {
	site := listingServer(t)
	cfgPath := writeConfig(t, nil)
	outPath := filepath.Join(t.TempDir(), "results.csv")

	tasks := fmt.Sprintf(`[{"url":%q}]`, site.URL+"/missing/1")
	code, _, errOut := runCLI(t, tasks, "run", "--output", outPath, cfgPath)
	if code != clierrors.ExitExtraction {
		t.Errorf("exit code = %d, want %d: %s", code, clierrors.ExitExtraction, errOut)
	}
	if _, err := os.Stat(outPath); err != nil {
		t.Errorf("failed results should still be written: %v", err)
	}
}

func TestRunRejectsBadTasks(t *testing.T) {
	cfgPath := writeConfig(t, nil)
	tests := []struct {
		name  string
		input string
	}{
		{"empty", "[]"},
		{"not json", "urls please"},
		{"bad scheme", `[{"url":"ftp://example.com/"}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, errOut := runCLI(t, tt.input, "run", cfgPath)
			if code != clierrors.ExitValidation {
				t.Errorf("exit code = %d: %s", code, errOut)
			}
		})
	}
}
