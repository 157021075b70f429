// pkg/types/types.go
package types

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
)

// Method names how a result was obtained.
type Method string

const (
	MethodCache   Method = "cache"
	MethodAPI     Method = "api"
	MethodStatic  Method = "static"
	MethodBrowser Method = "browser"
)

// ValidMethods returns all valid method values
func ValidMethods() []Method {
	return []Method{MethodCache, MethodAPI, MethodStatic, MethodBrowser}
}

// IsValid checks if the method is a known value
func (m Method) IsValid() bool {
	for _, valid := range ValidMethods() {
		if m == valid {
			return true
		}
	}
	return false
}

// TaskPriority orders tasks in the queue; higher runs first.
type TaskPriority int

const (
	PriorityLow      TaskPriority = 1
	PriorityNormal   TaskPriority = 5
	PriorityHigh     TaskPriority = 10
	PriorityCritical TaskPriority = 20
)

// String returns the string representation of task priority
func (p TaskPriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("%d", int(p))
	}
}

// TaskInput is one element of a submitted batch.
type TaskInput struct {
	URL          string        `json:"url" yaml:"url"`
	StrategyHint string        `json:"strategyHint,omitempty" yaml:"strategyHint,omitempty"`
	Priority     *TaskPriority `json:"priority,omitempty" yaml:"priority,omitempty"`
	Session      string        `json:"session,omitempty" yaml:"session,omitempty"`
	Geo          string        `json:"geo,omitempty" yaml:"geo,omitempty"`
}

// EffectivePriority returns the priority, defaulting to PriorityNormal.
func (in TaskInput) EffectivePriority() TaskPriority {
	if in.Priority == nil {
		return PriorityNormal
	}
	return *in.Priority
}

// Target converts the input into the fetch target handed to strategies.
func (in TaskInput) Target() Target {
	return Target{
		URL:          strings.TrimSpace(in.URL),
		StrategyHint: strings.ToLower(strings.TrimSpace(in.StrategyHint)),
		Session:      in.Session,
		Geo:          in.Geo,
	}
}

// Target is what a fetch strategy works on.
type Target struct {
	URL          string `json:"url"`
	StrategyHint string `json:"strategyHint,omitempty"`
	Session      string `json:"session,omitempty"`
	Geo          string `json:"geo,omitempty"`
}

// Validate reports whether the target URL is usable.
func (t Target) Validate() error {
	if t.URL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(t.URL)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", t.URL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", t.URL)
	}
	return nil
}

// Outcome is what a successful extraction produces.
type Outcome struct {
	Method Method                 `json:"method"`
	Data   map[string]interface{} `json:"data,omitempty"`
}

// Result is the per-task record handed to persistence.
type Result struct {
	URL             string                 `json:"url"`
	Success         bool                   `json:"success"`
	Method          Method                 `json:"method,omitempty"`
	Data            map[string]interface{} `json:"data,omitempty"`
	ExecutionTimeMs int64                  `json:"executionTimeMs"`
	Error           string                 `json:"error,omitempty"`
}

// ParseTasks decodes a JSON array of task inputs.
func ParseTasks(r io.Reader) ([]TaskInput, error) {
	var inputs []TaskInput
	dec := json.NewDecoder(r)
	if err := dec.Decode(&inputs); err != nil {
		return nil, fmt.Errorf("decode task batch: %w", err)
	}
	for i := range inputs {
		if strings.TrimSpace(inputs[i].URL) == "" {
			return nil, fmt.Errorf("task %d: url is required", i)
		}
	}
	return inputs, nil
}
