package harness

import "sync"

// Trace event types.
const (
	EventStep = "step"
	EventLive = "live"
)

// TraceEvent is one entry of a scenario trace: a step and its outcome, or
// a live query notification.
type TraceEvent struct {
	Seq    int64          `json:"seq"`
	Type   string         `json:"type"`
	Op     string         `json:"op,omitempty"`
	Table  string         `json:"table,omitempty"`
	Args   map[string]any `json:"args,omitempty"`
	Result any            `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
	Query  string         `json:"query,omitempty"`
	Rows   []string       `json:"rows,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	Pass   bool         `json:"pass"`
	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`

	// State holds the final local rows per table, as plain Go values.
	State map[string][]map[string]any `json:"state,omitempty"`

	mu   sync.Mutex
	seq  int64
	live map[string][]string
}

// NewResult creates a passing result with an empty trace.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		State:  make(map[string][]map[string]any),
		live:   make(map[string][]string),
	}
}

// AddError records a failure.
func (r *Result) AddError(err string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddStepTrace appends a step before it runs and returns its index for
// EndStep. Live notifications caused by the step follow it in the trace.
func (r *Result) AddStepTrace(op, table string, args map[string]any) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	r.Trace = append(r.Trace, TraceEvent{
		Seq:   r.seq,
		Type:  EventStep,
		Op:    op,
		Table: table,
		Args:  args,
	})
	return len(r.Trace) - 1
}

// EndStep records the outcome of the step at index i.
func (r *Result) EndStep(i int, result any, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Trace[i].Result = result
	if err != nil {
		r.Trace[i].Error = err.Error()
	}
}

// AddLiveTrace appends a live query notification and remembers it as the
// query's latest result.
func (r *Result) AddLiveTrace(query string, rows []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	r.live[query] = rows
	r.Trace = append(r.Trace, TraceEvent{
		Seq:   r.seq,
		Type:  EventLive,
		Query: query,
		Rows:  rows,
	})
}

func (r *Result) setLive(query string, rows []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[query] = rows
}

// LiveResult returns the latest primary keys delivered for a live query.
func (r *Result) LiveResult(query string) ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rows, ok := r.live[query]
	return rows, ok
}

// Snapshot returns a copy of the trace.
func (r *Result) Snapshot() []TraceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TraceEvent(nil), r.Trace...)
}
