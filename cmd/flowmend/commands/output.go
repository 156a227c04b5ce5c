package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/flowmend/flowmend/pkg/engine"
	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printYAML(w io.Writer, v interface{}) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

// printStructured writes v as JSON when --json is set, else as YAML.
func printStructured(w io.Writer, v interface{}) error {
	if jsonOutput {
		return printJSON(w, v)
	}
	return printYAML(w, v)
}

func newTable(w io.Writer, headers ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	cols := make([]any, len(headers))
	for i, h := range headers {
		cols[i] = h
	}
	table.Header(cols...)
	return table
}

func row(table *tablewriter.Table, cols ...interface{}) {
	cells := make([]any, len(cols))
	for i, c := range cols {
		cells[i] = fmt.Sprint(c)
	}
	_ = table.Append(cells...)
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(100 * time.Millisecond).String()
}

// printViolations lists the violations of a structural or schema error.
func printViolations(w io.Writer, err error) bool {
	ee := engine.AsEngineError(err)
	if ee == nil || len(ee.Violations) == 0 {
		return false
	}
	fmt.Fprintf(w, "%d violations:\n", len(ee.Violations))
	for _, v := range ee.Violations {
		fmt.Fprintf(w, "  - %s\n", v)
	}
	return true
}

func printReport(w io.Writer, rep *engine.Report, attempts bool) {
	fmt.Fprintf(w, "Session %s: %s\n", rep.SessionID, rep.Summary())
	fmt.Fprintf(w, "Duration: %s  oracle calls: %d  transient retries: %d\n\n",
		formatDuration(rep.Duration), rep.OracleCalls, rep.TransientRetries)

	tw := newTable(w, "NODE", "TYPE", "STATE", "TRIES", "HEALS", "ERROR")
	for _, n := range rep.Nodes {
		msg := ""
		if n.LastError != nil && n.State != engine.NodeSuccess {
			msg = n.LastError.Message
		}
		row(tw, n.ID, shortType(n.Type), n.State, n.Tries, n.Heals, msg)
	}
	_ = tw.Render()

	if len(rep.Edges) > 0 {
		fmt.Fprintln(w)
		tw = newTable(w, "CONNECTION", "STATE", "ERROR")
		for _, e := range rep.Edges {
			msg := ""
			if e.LastError != nil && e.State != engine.EdgeSuccess {
				msg = e.LastError.Message
			}
			row(tw, e.Key, e.State, msg)
		}
		_ = tw.Render()
	}

	if attempts && len(rep.Attempts) > 0 {
		fmt.Fprintln(w)
		tw = newTable(w, "AT", "SUBJECT", "TRY", "ACTION", "OUTCOME", "ELAPSED", "DETAIL")
		for _, a := range rep.Attempts {
			detail := a.Detail
			if a.Error != "" {
				detail = a.Error
			}
			row(tw, a.At.Format(time.TimeOnly), a.Subject, a.Try, a.Action, a.Outcome, formatDuration(a.Elapsed), detail)
		}
		_ = tw.Render()
	}

	if rep.Teardown.Attempted && !rep.Teardown.Succeeded {
		fmt.Fprintf(w, "\nSandbox teardown failed: %s\n", rep.Teardown.Error)
	}
}

func shortType(t string) string {
	if i := strings.LastIndex(t, "."); i >= 0 {
		return t[i+1:]
	}
	return t
}
