package harness

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/lofi/internal/ir"
	"github.com/roach88/lofi/internal/queryir"
	"github.com/roach88/lofi/internal/replica"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, event := range e.Trace {
		switch event.Type {
		case EventStep:
			fmt.Fprintf(&buf, "  [%d] %s %s %v", event.Seq, event.Op, event.Table, event.Args)
			if event.Error != "" {
				fmt.Fprintf(&buf, " error=%q", event.Error)
			}
			buf.WriteString("\n")
		case EventLive:
			fmt.Fprintf(&buf, "  [%d] live %s %v\n", event.Seq, event.Query, event.Rows)
		}
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion and returns the failure
// messages.
func EvaluateAssertions(ctx context.Context, h *Harness, assertions []Assertion) []string {
	var failures []string
	for i, a := range assertions {
		if err := h.evaluate(ctx, a); err != nil {
			failures = append(failures, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return failures
}

func (h *Harness) evaluate(ctx context.Context, a Assertion) error {
	trace := h.result.Snapshot()
	switch a.Type {
	case AssertTraceContains:
		return assertTraceContains(trace, a)
	case AssertTraceOrder:
		return assertTraceOrder(trace, a)
	case AssertTraceCount:
		return assertTraceCount(trace, a)
	case AssertFinalState:
		return h.assertFinalState(ctx, trace, a)
	case AssertRowCount:
		return h.assertRowCount(ctx, trace, a)
	case AssertRemoteState:
		return h.assertRemoteState(trace, a)
	case AssertLiveResult:
		return h.assertLiveResult(trace, a)
	case AssertPending:
		return h.assertPending(ctx, trace, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

// assertTraceContains checks for a step with the op (and table, when
// given) whose args include the expected args.
func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, event := range trace {
		if event.Type == EventStep && event.Op == a.Op &&
			(a.Table == "" || event.Table == a.Table) &&
			matchArgs(event.Args, a.Args) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("step %s %s with args %v", a.Op, a.Table, a.Args),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the first occurrence of each op appears in
// the given order. Other steps may come in between.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	positions := make(map[string]int)
	for i, event := range trace {
		if event.Type != EventStep {
			continue
		}
		if _, seen := positions[event.Op]; !seen {
			positions[event.Op] = i + 1
		}
	}

	for _, op := range a.Ops {
		if positions[op] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all ops present: %v", a.Ops),
				Actual:   fmt.Sprintf("missing op: %s", op),
				Trace:    trace,
			}
		}
	}
	for i := 1; i < len(a.Ops); i++ {
		prev, curr := a.Ops[i-1], a.Ops[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("ops in order: %v", a.Ops),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertTraceCount counts steps with the op, or notifications of a live
// query when op is "live" and query is set.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, event := range trace {
		switch {
		case a.Op == EventLive && a.Query != "":
			if event.Type == EventLive && event.Query == a.Query {
				count++
			}
		case event.Type == EventStep && event.Op == a.Op:
			if a.Table == "" || event.Table == a.Table {
				count++
			}
		}
	}
	if count != a.Count {
		what := a.Op
		if a.Op == EventLive && a.Query != "" {
			what = "live notifications of " + a.Query
		}
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", a.Count, what),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalState checks the first local row matching where, in primary
// key order, against the expected column values.
func (h *Harness) assertFinalState(ctx context.Context, trace []TraceEvent, a Assertion) error {
	row, err := h.replica.Table(a.Table).FindFirst(ctx, replica.FindOptions{Where: a.Where})
	if err != nil {
		return fmt.Errorf("final_state query failed: %w", err)
	}
	if a.Absent {
		if row != nil {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("no row in %s where %v", a.Table, a.Where),
				Actual:   fmt.Sprintf("found %s", row.PK),
				Trace:    trace,
			}
		}
		return nil
	}
	if row == nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("row in %s where %v", a.Table, a.Where),
			Actual:   "no matching row",
			Trace:    trace,
		}
	}
	return compareRow(AssertFinalState, row.Data, a.Expect, trace)
}

func (h *Harness) assertRowCount(ctx context.Context, trace []TraceEvent, a Assertion) error {
	rows, err := h.replica.Table(a.Table).FindMany(ctx, replica.FindOptions{Where: a.Where})
	if err != nil {
		return fmt.Errorf("row_count query failed: %w", err)
	}
	if len(rows) != a.Count {
		return &AssertionError{
			Type:     AssertRowCount,
			Expected: fmt.Sprintf("%d rows in %s where %v", a.Count, a.Table, a.Where),
			Actual:   fmt.Sprintf("%d rows: %v", len(rows), pks(rows)),
			Trace:    trace,
		}
	}
	return nil
}

// assertRemoteState checks the remote's live rows. With expect set, the
// first row matching where must carry the values; otherwise the number of
// matching rows must equal count.
func (h *Harness) assertRemoteState(trace []TraceEvent, a Assertion) error {
	pred, err := queryir.FromWhere(a.Where)
	if err != nil {
		return fmt.Errorf("remote_state where: %w", err)
	}
	var matched []ir.Row
	for _, row := range h.server.Rows(a.Table) {
		if queryir.Eval(pred, row.Data) {
			matched = append(matched, row)
		}
	}
	if len(a.Expect) == 0 {
		if len(matched) != a.Count {
			return &AssertionError{
				Type:     AssertRemoteState,
				Expected: fmt.Sprintf("%d remote rows in %s where %v", a.Count, a.Table, a.Where),
				Actual:   fmt.Sprintf("%d rows: %v", len(matched), pks(matched)),
				Trace:    trace,
			}
		}
		return nil
	}
	if len(matched) == 0 {
		return &AssertionError{
			Type:     AssertRemoteState,
			Expected: fmt.Sprintf("remote row in %s where %v", a.Table, a.Where),
			Actual:   "no matching row",
			Trace:    trace,
		}
	}
	return compareRow(AssertRemoteState, matched[0].Data, a.Expect, trace)
}

func (h *Harness) assertLiveResult(trace []TraceEvent, a Assertion) error {
	got, ok := h.result.LiveResult(a.Query)
	if !ok {
		return fmt.Errorf("live query %q was never subscribed", a.Query)
	}
	want := a.Rows
	if want == nil {
		want = []string{}
	}
	if !slices.Equal(got, want) {
		return &AssertionError{
			Type:     AssertLiveResult,
			Expected: fmt.Sprintf("%s delivers %v", a.Query, want),
			Actual:   fmt.Sprintf("%v", got),
			Trace:    trace,
		}
	}
	return nil
}

func (h *Harness) assertPending(ctx context.Context, trace []TraceEvent, a Assertion) error {
	n, err := h.replica.Store().PendingCount(ctx)
	if err != nil {
		return err
	}
	if n != a.Count {
		return &AssertionError{
			Type:     AssertPending,
			Expected: fmt.Sprintf("%d pending entries", a.Count),
			Actual:   fmt.Sprintf("%d pending entries", n),
			Trace:    trace,
		}
	}
	return nil
}

func compareRow(kind string, data ir.IRObject, expect map[string]any, trace []TraceEvent) error {
	for _, col := range sortedKeys(expect) {
		want, err := ir.FromGo(expect[col])
		if err != nil {
			return fmt.Errorf("%s expect %s: %w", kind, col, err)
		}
		got, ok := data[col]
		if !ok {
			got = ir.IRNull{}
		}
		if !ir.Equal(got, want) {
			return &AssertionError{
				Type:     kind,
				Expected: fmt.Sprintf("%s = %v", col, ir.ToGo(want)),
				Actual:   fmt.Sprintf("%s = %v", col, ir.ToGo(got)),
				Trace:    trace,
			}
		}
	}
	return nil
}

// matchArgs reports whether actual contains every expected key with an
// equal value. Nested maps match the same way.
func matchArgs(actual, expected map[string]any) bool {
	for key, want := range expected {
		got, ok := actual[key]
		if !ok || !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

func valuesEqual(actual, expected any) bool {
	if em, ok := expected.(map[string]any); ok {
		am, ok := actual.(map[string]any)
		return ok && matchArgs(am, em)
	}
	a, err := ir.FromGo(actual)
	if err != nil {
		return false
	}
	e, err := ir.FromGo(expected)
	if err != nil {
		return false
	}
	return ir.Equal(a, e)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
