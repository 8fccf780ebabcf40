package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario is a scripted run of one replica, optionally against an
// in-memory remote.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Schema is a CUE file or package directory. Relative paths resolve
	// against the scenario file's directory.
	Schema string `yaml:"schema"`

	ClientID         string        `yaml:"client_id,omitempty"`
	Remote           bool          `yaml:"remote,omitempty"`
	ConflictStrategy string        `yaml:"conflict_strategy,omitempty"`
	Timeout          time.Duration `yaml:"timeout,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Step operations.
const (
	OpCreate     = "create"
	OpUpdate     = "update"
	OpUpdateMany = "update_many"
	OpDelete     = "delete"
	OpDeleteMany = "delete_many"
	OpLive       = "live"
	OpSync       = "sync"
	OpGC         = "gc"
	OpConnect    = "connect"
	OpDisconnect = "disconnect"
	OpRemotePut  = "remote_put"
	OpAwait      = "await"
)

// Step is one action in a scenario.
type Step struct {
	Op    string         `yaml:"op"`
	Table string         `yaml:"table,omitempty"`
	Where map[string]any `yaml:"where,omitempty"`
	Data  map[string]any `yaml:"data,omitempty"`

	// live
	Name    string            `yaml:"name,omitempty"`
	OrderBy map[string]string `yaml:"order_by,omitempty"`
	Limit   int               `yaml:"limit,omitempty"`
	First   bool              `yaml:"first,omitempty"`

	// sync
	Include []string `yaml:"include,omitempty"`

	// remote_put
	Writer string `yaml:"writer,omitempty"`
	Kind   string `yaml:"kind,omitempty"`
	PK     string `yaml:"pk,omitempty"`

	// await: also wait for this many local rows matching Where
	Count *int `yaml:"count,omitempty"`

	// ExpectError makes the step pass only if it fails with an error
	// containing this text.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// Assertion types.
const (
	AssertFinalState    = "final_state"
	AssertRowCount      = "row_count"
	AssertRemoteState   = "remote_state"
	AssertLiveResult    = "live_result"
	AssertPending       = "pending"
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
)

// Assertion is a check evaluated after all steps ran.
type Assertion struct {
	Type string `yaml:"type"`

	Table  string         `yaml:"table,omitempty"`
	Where  map[string]any `yaml:"where,omitempty"`
	Expect map[string]any `yaml:"expect,omitempty"`
	Absent bool           `yaml:"absent,omitempty"`

	// row_count, pending, trace_count
	Count int `yaml:"count,omitempty"`

	// live_result: primary keys of the last delivered result, in order
	Query string   `yaml:"query,omitempty"`
	Rows  []string `yaml:"rows,omitempty"`

	// trace_contains, trace_count, trace_order
	Op   string         `yaml:"op,omitempty"`
	Args map[string]any `yaml:"args,omitempty"`
	Ops  []string       `yaml:"ops,omitempty"`
}

// LoadScenario reads a scenario file and resolves its schema path relative
// to the file.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, filepath.Dir(path))
}

// LoadScenarioWithBasePath reads a scenario file and resolves its schema
// path relative to basePath.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	sc, err := ParseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if !filepath.IsAbs(sc.Schema) {
		sc.Schema = filepath.Join(basePath, sc.Schema)
	}
	return sc, nil
}

// ParseScenario decodes and validates a scenario. Unknown fields are errors.
func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if err := validateScenario(&sc); err != nil {
		return nil, err
	}
	return &sc, nil
}

func validateScenario(sc *Scenario) error {
	if sc.Name == "" {
		return fmt.Errorf("scenario name is required")
	}
	if sc.Schema == "" {
		return fmt.Errorf("scenario %s: schema is required", sc.Name)
	}
	if len(sc.Steps) == 0 {
		return fmt.Errorf("scenario %s: at least one step is required", sc.Name)
	}
	for i, step := range sc.Steps {
		if err := validateStep(sc, i, step); err != nil {
			return fmt.Errorf("scenario %s: %w", sc.Name, err)
		}
	}
	for i, a := range sc.Assertions {
		if err := validateAssertion(sc, i, a); err != nil {
			return fmt.Errorf("scenario %s: %w", sc.Name, err)
		}
	}
	return nil
}

func validateStep(sc *Scenario, index int, s Step) error {
	needTable := func() error {
		if s.Table == "" {
			return fmt.Errorf("steps[%d]: table is required for %s", index, s.Op)
		}
		return nil
	}
	switch s.Op {
	case OpCreate:
		if err := needTable(); err != nil {
			return err
		}
		if len(s.Data) == 0 {
			return fmt.Errorf("steps[%d]: data is required for create", index)
		}
	case OpUpdate, OpUpdateMany:
		if err := needTable(); err != nil {
			return err
		}
		if len(s.Data) == 0 {
			return fmt.Errorf("steps[%d]: data is required for %s", index, s.Op)
		}
	case OpDelete, OpDeleteMany, OpSync:
		return needTable()
	case OpLive:
		if err := needTable(); err != nil {
			return err
		}
		if s.Name == "" {
			return fmt.Errorf("steps[%d]: name is required for live", index)
		}
	case OpGC, OpAwait:
	case OpConnect, OpDisconnect:
		if !sc.Remote {
			return fmt.Errorf("steps[%d]: %s requires remote: true", index, s.Op)
		}
	case OpRemotePut:
		if !sc.Remote {
			return fmt.Errorf("steps[%d]: remote_put requires remote: true", index)
		}
		if err := needTable(); err != nil {
			return err
		}
		switch s.Kind {
		case "", "insert", "update", "delete":
		default:
			return fmt.Errorf("steps[%d]: unknown remote_put kind %q", index, s.Kind)
		}
		if s.Kind != "" && s.Kind != "insert" && s.PK == "" {
			return fmt.Errorf("steps[%d]: pk is required for remote %s", index, s.Kind)
		}
	case "":
		return fmt.Errorf("steps[%d]: op is required", index)
	default:
		return fmt.Errorf("steps[%d]: unknown op %q", index, s.Op)
	}
	return nil
}

func validateAssertion(sc *Scenario, index int, a Assertion) error {
	switch a.Type {
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 && !a.Absent {
			return fmt.Errorf("assertions[%d]: expect or absent is required for final_state", index)
		}
	case AssertRowCount:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for row_count", index)
		}
	case AssertRemoteState:
		if !sc.Remote {
			return fmt.Errorf("assertions[%d]: remote_state requires remote: true", index)
		}
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for remote_state", index)
		}
	case AssertLiveResult:
		if a.Query == "" {
			return fmt.Errorf("assertions[%d]: query is required for live_result", index)
		}
	case AssertPending:
	case AssertTraceContains:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Ops) == 0 {
			return fmt.Errorf("assertions[%d]: ops list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for trace_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	if a.Count < 0 {
		return fmt.Errorf("assertions[%d]: count must be non-negative", index)
	}
	return nil
}
