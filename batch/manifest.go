// Package batch discovers the job set for one study, applies resume/skip
// rules, drives the tier controller, and reports the outcome.
package batch

import (
	"bufio"
	"context"
	"io"
	"strings"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/seqbatch/seqbatch/stage"
)

// SelectorAll asks for every run available for the source accession to be
// discovered at run time.
const SelectorAll = "all"

// Entry is one manifest record. Records sharing OutputUnit merge into one
// job whose runs are technical replicates.
type Entry struct {
	OutputUnit      string
	SourceAccession string
	ItemSelector    string
	Auth            string // optional
}

// ParseManifest reads tab-separated (outputUnit, sourceAccession,
// itemSelector, optionalAuth) records. Blank lines and #-comments are
// ignored. An unreadable or malformed manifest is an infrastructure error,
// fatal before any job runs.
func ParseManifest(r io.Reader) ([]Entry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 3 || len(fields) > 4 {
			return nil, errors.Errorf("manifest line %d: expected 3 or 4 tab-separated fields, got %d", lineNo, len(fields))
		}
		e := Entry{
			OutputUnit:      strings.TrimSpace(fields[0]),
			SourceAccession: strings.TrimSpace(fields[1]),
			ItemSelector:    strings.TrimSpace(fields[2]),
		}
		if len(fields) == 4 {
			e.Auth = strings.TrimSpace(fields[3])
		}
		if e.OutputUnit == "" || e.SourceAccession == "" || e.ItemSelector == "" {
			return nil, errors.Errorf("manifest line %d: empty field", lineNo)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading manifest")
	}
	if len(entries) == 0 {
		return nil, errors.New("manifest contains no records")
	}
	return entries, nil
}

// RunLister discovers the run accessions available for a source accession.
// Implementations talk to remote archives and may fail transiently.
type RunLister interface {
	ListRuns(ctx context.Context, sourceAccession, auth string) ([]string, error)
}

// BuildJobs merges manifest entries into jobs, resolving "all" selectors
// through lister (retried with exponential backoff). Output directories are
// derived from the job id under outRoot.
func BuildJobs(ctx context.Context, entries []Entry, lister RunLister, outRoot string) ([]stage.Job, error) {
	byUnit := map[string]*stage.Job{}
	var order []string
	for _, e := range entries {
		j, ok := byUnit[e.OutputUnit]
		if !ok {
			j = &stage.Job{ID: e.OutputUnit, OutDir: stage.OutDirFor(outRoot, e.OutputUnit)}
			byUnit[e.OutputUnit] = j
			order = append(order, e.OutputUnit)
		}

		if e.ItemSelector == SelectorAll {
			if lister == nil {
				return nil, errors.Errorf("unit %s: selector %q requires run discovery, no lister configured", e.OutputUnit, SelectorAll)
			}
			runs, err := listRunsWithRetry(ctx, lister, e.SourceAccession, e.Auth)
			if err != nil {
				return nil, errors.Wrapf(err, "discovering runs for %s", e.SourceAccession)
			}
			if len(runs) == 0 {
				return nil, errors.Errorf("unit %s: no runs discovered for %s", e.OutputUnit, e.SourceAccession)
			}
			for _, acc := range runs {
				j.Runs = append(j.Runs, stage.Run{Accession: acc, Auth: e.Auth})
			}
			continue
		}
		j.Runs = append(j.Runs, stage.Run{Accession: e.ItemSelector, Auth: e.Auth})
	}

	jobs := make([]stage.Job, 0, len(order))
	for _, unit := range order {
		jobs = append(jobs, *byUnit[unit])
	}
	return jobs, nil
}

func listRunsWithRetry(ctx context.Context, lister RunLister, accession, auth string) ([]string, error) {
	var runs []string
	op := func() error {
		var err error
		runs, err = lister.ListRuns(ctx, accession, auth)
		if err != nil {
			log.WithFields(log.Fields{
				"accession": accession,
				"error":     err,
			}).Warn("Run discovery failed, will retry")
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	return runs, nil
}
