package progress

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// SQLiteStore is a Store backed by an embedded sqlite database. Preferred
// over FileStore when several stages share one progress database or when
// the attempt history grows large.
type SQLiteStore struct {
	db   *sql.DB
	cats *categories
}

var _ Store = (*SQLiteStore)(nil)

func OpenSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, "opening progress database")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "pinging progress database")
	}
	s := &SQLiteStore{db: db, cats: newCategories()}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "initializing progress schema")
	}
	if err := s.load(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS attempts (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		tier INTEGER NOT NULL,
		threads INTEGER NOT NULL,
		outcome TEXT NOT NULL,
		peak_mem_mib INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_attempts_job_id ON attempts(job_id);

	CREATE TABLE IF NOT EXISTS skipped (
		job_id TEXT PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS pending (
		job_id TEXT PRIMARY KEY
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) load() error {
	rows, err := s.db.Query(
		`SELECT job_id, tier, threads, outcome, peak_mem_mib FROM attempts ORDER BY seq`)
	if err != nil {
		return errors.Wrap(err, "loading attempts")
	}
	defer rows.Close()
	for rows.Next() {
		var rec AttemptRecord
		var outcome string
		if err := rows.Scan(&rec.JobID, &rec.Tier, &rec.Threads, &outcome, &rec.PeakMemMiB); err != nil {
			return errors.Wrap(err, "scanning attempt")
		}
		rec.Outcome = Outcome(outcome)
		s.cats.apply(rec)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	skipRows, err := s.db.Query(`SELECT job_id FROM skipped`)
	if err != nil {
		return errors.Wrap(err, "loading skipped")
	}
	defer skipRows.Close()
	for skipRows.Next() {
		var id string
		if err := skipRows.Scan(&id); err != nil {
			return err
		}
		s.cats.skipped[id] = true
	}
	return skipRows.Err()
}

func (s *SQLiteStore) MarkPending(jobIDs []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM pending`); err != nil {
		tx.Rollback()
		return err
	}
	for _, id := range jobIDs {
		if _, err := tx.Exec(`INSERT INTO pending (job_id) VALUES (?)`, id); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) MarkSkipped(jobID string) error {
	if _, err := s.db.Exec(
		`INSERT OR IGNORE INTO skipped (job_id) VALUES (?)`, jobID); err != nil {
		return errors.Wrap(err, "recording skip")
	}
	s.cats.skipped[jobID] = true
	return nil
}

func (s *SQLiteStore) Append(rec AttemptRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO attempts (job_id, tier, threads, outcome, peak_mem_mib) VALUES (?, ?, ?, ?, ?)`,
		rec.JobID, rec.Tier, rec.Threads, string(rec.Outcome), rec.PeakMemMiB)
	if err != nil {
		return errors.Wrap(err, "recording attempt")
	}
	s.cats.apply(rec)
	return nil
}

func (s *SQLiteStore) Resolved(jobID string) bool { return s.cats.resolved(jobID) }

func (s *SQLiteStore) Pending(all []string) []string { return s.cats.pending(all) }

func (s *SQLiteStore) Attempts() []AttemptRecord {
	return append([]AttemptRecord{}, s.cats.attemptLog...)
}

func (s *SQLiteStore) Summary() Summary { return s.cats.summary() }

func (s *SQLiteStore) Reset() error {
	for _, table := range []string{"attempts", "skipped", "pending"} {
		if _, err := s.db.Exec(`DELETE FROM ` + table); err != nil {
			return errors.Wrapf(err, "clearing %s", table)
		}
	}
	s.cats = newCategories()
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
