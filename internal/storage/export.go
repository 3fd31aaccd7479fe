package storage

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExportMarkdown renders a run and its journal as a markdown document.
func ExportMarkdown(run *Run, steps []Step) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("# Run %s\n\n", run.ID))
	b.WriteString(fmt.Sprintf("- **Status:** %s\n", run.Status))
	b.WriteString(fmt.Sprintf("- **Phase:** %s\n", run.Phase))
	if run.SessionID != "" {
		b.WriteString(fmt.Sprintf("- **Session:** %s\n", run.SessionID))
	}
	if run.ExecutionID != "" {
		b.WriteString(fmt.Sprintf("- **Execution:** %s\n", run.ExecutionID))
	}
	b.WriteString(fmt.Sprintf("- **Polls:** %d\n", run.PollCount))
	b.WriteString(fmt.Sprintf("- **Created:** %s\n", run.CreatedAt.Format("2006-01-02 15:04:05")))
	if run.CompletedAt != nil {
		b.WriteString(fmt.Sprintf("- **Completed:** %s\n", run.CompletedAt.Format("2006-01-02 15:04:05")))
	}
	b.WriteString("\n---\n\n")

	if run.ErrorKind != "" {
		b.WriteString(fmt.Sprintf("## Error\n\n**%s:** %s\n\n", run.ErrorKind, run.ErrorMessage))
	}

	if len(steps) > 0 {
		b.WriteString("## Steps\n\n")
		b.WriteString("| # | Step | Kind | Status | Attempts |\n")
		b.WriteString("|---|------|------|--------|----------|\n")
		for _, st := range steps {
			b.WriteString(fmt.Sprintf("| %d | `%s` | %s | %s | %d |\n", st.Seq, st.Name, st.Kind, st.Status, st.Attempts))
		}
		b.WriteString("\n")
	}

	if len(run.Output) > 0 {
		b.WriteString(fmt.Sprintf("## Output\n\n```json\n%s\n```\n", prettyJSON(run.Output)))
	}

	return b.String()
}

// ExportJSON renders a run and its journal as formatted JSON.
func ExportJSON(run *Run, steps []Step) ([]byte, error) {
	if steps == nil {
		steps = []Step{}
	}
	export := struct {
		Run   *Run   `json:"run"`
		Steps []Step `json:"steps"`
	}{
		Run:   run,
		Steps: steps,
	}
	return json.MarshalIndent(export, "", "  ")
}

func prettyJSON(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(out)
}
