package harness

import (
	"bytes"
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/lofi/internal/ir"
)

// MarshalTrace renders a trace as canonical JSON, one line for the scenario
// header and one per event, so golden diffs point at the event that moved.
func MarshalTrace(scenario string, trace []TraceEvent) ([]byte, error) {
	var buf bytes.Buffer
	header, err := ir.MarshalCanonical(map[string]any{"scenario": scenario, "events": len(trace)})
	if err != nil {
		return nil, err
	}
	buf.Write(header)
	buf.WriteByte('\n')

	for _, event := range trace {
		line, err := ir.MarshalCanonical(eventMap(event))
		if err != nil {
			return nil, err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

func eventMap(event TraceEvent) map[string]any {
	m := map[string]any{
		"seq":  event.Seq,
		"type": event.Type,
	}
	if event.Op != "" {
		m["op"] = event.Op
	}
	if event.Table != "" {
		m["table"] = event.Table
	}
	if event.Args != nil {
		m["args"] = event.Args
	}
	if event.Result != nil {
		m["result"] = event.Result
	}
	if event.Error != "" {
		m["error"] = event.Error
	}
	if event.Query != "" {
		m["query"] = event.Query
	}
	if event.Type == EventLive {
		m["rows"] = event.Rows
	}
	return m
}

// RunWithGolden runs a scenario and compares its trace against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return result, err
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an existing result's trace against a golden file.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	data, err := MarshalTrace(name, result.Snapshot())
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
	return nil
}
