package batch

import (
	"context"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
)

// ExecLister discovers runs by invoking an external query tool that prints
// one run accession per line (e.g. an archive metadata client). The source
// accession is appended as the final argument; a non-empty auth token is
// passed via the tool's token flag.
type ExecLister struct {
	// Argv is the query command prefix, e.g.
	// ["sra-runs", "--format", "accessions"].
	Argv []string

	// TokenFlag names the flag carrying the auth token, e.g. "--ngc".
	TokenFlag string
}

var _ RunLister = ExecLister{}

func (l ExecLister) ListRuns(ctx context.Context, sourceAccession, auth string) ([]string, error) {
	if len(l.Argv) == 0 {
		return nil, errors.New("lister command not configured")
	}
	argv := append([]string{}, l.Argv...)
	if auth != "" && l.TokenFlag != "" {
		argv = append(argv, l.TokenFlag, auth)
	}
	argv = append(argv, sourceAccession)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	out, err := cmd.Output()
	if err != nil {
		return nil, errors.Wrapf(err, "running %s", argv[0])
	}
	var runs []string
	for _, line := range strings.Split(string(out), "\n") {
		if acc := strings.TrimSpace(line); acc != "" {
			runs = append(runs, acc)
		}
	}
	return runs, nil
}
