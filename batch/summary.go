package batch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Render formats the human-readable end-of-run report. Degraded successes
// are never mixed silently into the normal successes.
func (r Report) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "=== %s batch %s ===\n", r.Stage, r.InvocationID)
	fmt.Fprintf(&b, "started:  %s\n", r.Started.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "finished: %s\n", r.Finished.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "resources: %s\n", r.Budget)
	fmt.Fprintf(&b, "job logs:  %s\n\n", r.LogDir)

	s := r.Summary
	fmt.Fprintf(&b, "succeeded:           %d\n", len(s.Succeeded))
	fmt.Fprintf(&b, "succeeded (degraded): %d\n", len(s.SucceededDegraded))
	fmt.Fprintf(&b, "failed:              %d\n", len(s.Failed))
	fmt.Fprintf(&b, "skipped (already done): %d\n", len(s.Skipped))

	writeList := func(title string, ids []string) {
		if len(ids) == 0 {
			return
		}
		fmt.Fprintf(&b, "\n%s:\n", title)
		for _, id := range ids {
			fmt.Fprintf(&b, "  %s\n", id)
		}
	}
	writeList("degraded-fidelity results (see DEGRADED_FIDELITY marker)", s.SucceededDegraded)
	writeList("permanently failed", s.Failed)
	return b.String()
}

// WriteSummary writes the report next to the job logs and returns its path.
// The per-category progress files are the machine-readable companions.
func (r Report) WriteSummary() (string, error) {
	path := filepath.Join(r.LogDir, fmt.Sprintf("summary-%s.txt", r.Stage))
	if err := os.MkdirAll(r.LogDir, 0777); err != nil {
		return "", errors.Wrap(err, "creating log dir")
	}
	if err := os.WriteFile(path, []byte(r.Render()), 0666); err != nil {
		return "", errors.Wrap(err, "writing summary")
	}
	return path, nil
}
