package progress

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// File names inside the store directory. One record per line; category
// files are de-duplicated on read and double as machine-readable retry
// inputs. The attempts log is read verbatim: repeated identical attempts
// are distinct facts.
const (
	pendingFile     = "pending.txt"
	succeededFile   = "succeeded.txt"
	skippedFile     = "skipped.txt"
	failedTier1File = "failed_tier1.txt"
	failedTier2File = "failed_tier2.txt"
	failedTier3File = "failed_tier3.txt"
	attemptsFile    = "attempts.tsv"
)

// FileStore persists batch progress as per-category append-only text files
// under one directory. Safe for use from a single batch process; concurrent
// appends are serialized by the callers' tier barrier.
type FileStore struct {
	dir  string
	cats *categories

	attempts *os.File
}

var _ Store = (*FileStore)(nil)

// OpenFileStore loads (or creates) a file-backed store under dir.
func OpenFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0777); err != nil {
		return nil, errors.Wrap(err, "creating progress dir")
	}
	s := &FileStore{dir: dir, cats: newCategories()}
	if err := s.load(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, attemptsFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return nil, errors.Wrap(err, "opening attempts log")
	}
	s.attempts = f
	return s, nil
}

func (s *FileStore) load() error {
	recs, err := readAttempts(filepath.Join(s.dir, attemptsFile))
	if err != nil {
		return err
	}
	for _, rec := range recs {
		s.cats.apply(rec)
	}
	skipped, err := readUniqueLines(filepath.Join(s.dir, skippedFile))
	if err != nil {
		return err
	}
	for _, id := range skipped {
		s.cats.skipped[id] = true
	}
	return nil
}

func (s *FileStore) MarkPending(jobIDs []string) error {
	return writeLines(filepath.Join(s.dir, pendingFile), jobIDs)
}

func (s *FileStore) MarkSkipped(jobID string) error {
	if s.cats.skipped[jobID] {
		return nil
	}
	s.cats.skipped[jobID] = true
	return appendLine(filepath.Join(s.dir, skippedFile), jobID)
}

func (s *FileStore) Append(rec AttemptRecord) error {
	line := fmt.Sprintf("%s\t%d\t%d\t%s\t%d\n",
		rec.JobID, rec.Tier, rec.Threads, rec.Outcome, rec.PeakMemMiB)
	if _, err := s.attempts.WriteString(line); err != nil {
		return errors.Wrap(err, "appending attempt record")
	}
	if err := s.attempts.Sync(); err != nil {
		return errors.Wrap(err, "syncing attempts log")
	}
	if err := s.appendCategory(rec); err != nil {
		return err
	}
	s.cats.apply(rec)
	return nil
}

func (s *FileStore) appendCategory(rec AttemptRecord) error {
	var name string
	if rec.Outcome == OutcomeSuccess {
		name = succeededFile
	} else {
		switch rec.Tier {
		case 1:
			name = failedTier1File
		case 2:
			name = failedTier2File
		default:
			name = failedTier3File
		}
	}
	return appendLine(filepath.Join(s.dir, name), rec.JobID)
}

func (s *FileStore) Resolved(jobID string) bool { return s.cats.resolved(jobID) }

func (s *FileStore) Pending(all []string) []string { return s.cats.pending(all) }

func (s *FileStore) Attempts() []AttemptRecord {
	return append([]AttemptRecord{}, s.cats.attemptLog...)
}

func (s *FileStore) Summary() Summary { return s.cats.summary() }

// Reset truncates every state file; used at the start of a fresh
// (non-resumed) run.
func (s *FileStore) Reset() error {
	s.cats = newCategories()
	files := []string{pendingFile, succeededFile, skippedFile,
		failedTier1File, failedTier2File, failedTier3File, attemptsFile}
	for _, name := range files {
		path := filepath.Join(s.dir, name)
		if err := os.Truncate(path, 0); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "truncating %s", name)
		}
	}
	return nil
}

func (s *FileStore) Close() error {
	return s.attempts.Close()
}

func readAttempts(path string) ([]AttemptRecord, error) {
	lines, err := readLines(path)
	if err != nil {
		return nil, err
	}
	var recs []AttemptRecord
	for _, line := range lines {
		fields := strings.Split(line, "\t")
		if len(fields) != 5 {
			return nil, errors.Errorf("malformed attempt record %q", line)
		}
		tier, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, errors.Wrapf(err, "malformed tier in %q", line)
		}
		threads, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, errors.Wrapf(err, "malformed threads in %q", line)
		}
		peak, err := strconv.Atoi(fields[4])
		if err != nil {
			return nil, errors.Wrapf(err, "malformed peak memory in %q", line)
		}
		recs = append(recs, AttemptRecord{
			JobID:      fields[0],
			Tier:       tier,
			Threads:    threads,
			Outcome:    Outcome(fields[3]),
			PeakMemMiB: peak,
		})
	}
	return recs, nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}

// readUniqueLines is readLines with duplicates dropped, for category files
// where a job id is a set member, not an event.
func readUniqueLines(path string) ([]string, error) {
	lines, err := readLines(path)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []string
	for _, line := range lines {
		if seen[line] {
			continue
		}
		seen[line] = true
		out = append(out, line)
	}
	return out, nil
}

func writeLines(path string, lines []string) error {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	return os.WriteFile(path, []byte(b.String()), 0666)
}

func appendLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(line + "\n")
	return err
}
