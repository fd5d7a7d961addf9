package runner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/seqbatch/seqbatch/common/stats"
	"github.com/seqbatch/seqbatch/progress"
	"github.com/seqbatch/seqbatch/stage"
)

const defaultSampleInterval = 500 * time.Millisecond

// stderrTailBytes is how much of an attempt's log is surfaced in failure
// messages for post-hoc diagnosis without re-running.
const stderrTailBytes = 2048

// NewExecRunner returns a Runner that executes the stage's command as an OS
// process in its own process group. sampler may be nil, in which case peak
// memory is reported unknown and the ceiling is not enforced.
func NewExecRunner(st stage.Stage, sampler MemSampler, stat stats.StatsReceiver) *ExecRunner {
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	return &ExecRunner{
		st:             st,
		sampler:        sampler,
		stat:           stat,
		sampleInterval: defaultSampleInterval,
	}
}

type ExecRunner struct {
	st             stage.Stage
	sampler        MemSampler
	stat           stats.StatsReceiver
	sampleInterval time.Duration
}

var _ Runner = (*ExecRunner)(nil)

func (r *ExecRunner) Run(ctx context.Context, job stage.Job, cfg Config) Result {
	logPath := filepath.Join(cfg.LogDir, fmt.Sprintf("%s.tier%d.log", job.ID, cfg.Tier))
	res := Result{PeakMemMiB: progress.PeakMemUnknown, LogPath: logPath}

	// A retry must start from a clean output state: partial files from an
	// aborted run could be mistaken for complete output later.
	if err := os.RemoveAll(job.OutDir); err != nil {
		res.Outcome = progress.OutcomeFailure
		res.Err = errors.Wrap(err, "clearing previous output dir")
		return res
	}
	if err := os.MkdirAll(job.OutDir, 0777); err != nil {
		res.Outcome = progress.OutcomeFailure
		res.Err = errors.Wrap(err, "creating output dir")
		return res
	}

	scratch := filepath.Join(cfg.ScratchRoot, job.ID)
	if err := os.RemoveAll(scratch); err != nil {
		res.Outcome = progress.OutcomeFailure
		res.Err = errors.Wrap(err, "clearing scratch dir")
		return res
	}
	if err := os.MkdirAll(scratch, 0777); err != nil {
		res.Outcome = progress.OutcomeFailure
		res.Err = errors.Wrap(err, "creating scratch dir")
		return res
	}
	defer reclaimScratch(job.ID, scratch)

	if err := os.MkdirAll(cfg.LogDir, 0777); err != nil {
		res.Outcome = progress.OutcomeFailure
		res.Err = errors.Wrap(err, "creating log dir")
		return res
	}
	logFile, err := os.Create(logPath)
	if err != nil {
		res.Outcome = progress.OutcomeFailure
		res.Err = errors.Wrap(err, "creating attempt log")
		return res
	}
	defer logFile.Close()

	argv := r.st.Argv(job, cfg.Threads, cfg.Fidelity, scratch)
	log.WithFields(log.Fields{
		"jobID":         job.ID,
		"tier":          cfg.Tier,
		"threads":       cfg.Threads,
		"memCeilingMiB": cfg.MemCeilingMiB,
		"fidelity":      cfg.Fidelity.String(),
		"argv":          argv,
	}).Info("Starting job attempt")

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	// Own process group so the whole tool tree can be killed together.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		res.Outcome = progress.OutcomeFailure
		res.Err = errors.Wrap(err, "starting job process")
		r.cleanFailedOutput(job)
		return res
	}
	pgid := cmd.Process.Pid

	watch := newMemWatch(r.sampler, r.sampleInterval, pgid, cfg.MemCeilingMiB)
	go watch.loop()

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var waitErr error
	aborted := false
	select {
	case <-ctx.Done():
		killGroup(pgid)
		<-waitCh
		aborted = true
		waitErr = ctx.Err()
	case waitErr = <-waitCh:
	}

	peak, memKilled := watch.stop()
	res.PeakMemMiB = peak
	if peak != progress.PeakMemUnknown {
		r.stat.Gauge(stats.RunnerPeakMemMiB).Update(int64(peak))
	}

	switch {
	case aborted:
		res.Err = errors.Wrap(waitErr, "attempt aborted")
	case memKilled:
		res.Err = errors.Errorf("killed: resident memory exceeded ceiling of %d MiB (peak %d MiB)",
			cfg.MemCeilingMiB, peak)
	case waitErr != nil:
		res.Err = errors.Wrapf(waitErr, "tool failed, log tail:\n%s", tailFile(logPath))
	default:
		// Exit 0 alone is not trusted; some tools exit clean with no
		// usable output.
		primary := r.st.PrimaryOutput(job)
		if fi, err := os.Stat(primary); err != nil || fi.Size() == 0 {
			res.Err = errors.Errorf("tool exited 0 but primary output %s is missing or empty, log tail:\n%s",
				primary, tailFile(logPath))
		}
	}

	if res.Err != nil {
		res.Outcome = progress.OutcomeFailure
		r.cleanFailedOutput(job)
		return res
	}

	if cfg.Fidelity == stage.DegradedFidelity {
		if err := writeDegradedMarker(job, cfg); err != nil {
			// A degraded success that can't be flagged must not pass as a
			// normal one.
			res.Outcome = progress.OutcomeFailure
			res.Err = err
			r.cleanFailedOutput(job)
			return res
		}
	}

	res.Outcome = progress.OutcomeSuccess
	return res
}

// cleanFailedOutput removes the output directory after a failed attempt so
// no partial primary output survives to the next invocation.
func (r *ExecRunner) cleanFailedOutput(job stage.Job) {
	if err := os.RemoveAll(job.OutDir); err != nil {
		log.WithFields(log.Fields{
			"jobID": job.ID,
			"dir":   job.OutDir,
			"error": err,
		}).Error("Could not remove partial output dir")
	}
}

func reclaimScratch(jobID, scratch string) {
	var errs *multierror.Error
	if err := os.RemoveAll(scratch); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := errs.ErrorOrNil(); err != nil {
		log.WithFields(log.Fields{
			"jobID":   jobID,
			"scratch": scratch,
			"error":   err,
		}).Error("Could not reclaim scratch space")
	}
}

func writeDegradedMarker(job stage.Job, cfg Config) error {
	content := fmt.Sprintf("produced at tier %d with reduced fidelity (threads=%d)\n",
		cfg.Tier, cfg.Threads)
	path := filepath.Join(job.OutDir, DegradedMarkerFile)
	return errors.Wrap(os.WriteFile(path, []byte(content), 0666), "writing degraded marker")
}

func killGroup(pgid int) {
	if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil {
		log.WithFields(log.Fields{
			"pgid":  pgid,
			"error": err,
		}).Error("Error killing process group")
	}
}

func tailFile(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return "(log unavailable)"
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return "(log unavailable)"
	}
	off := fi.Size() - stderrTailBytes
	if off < 0 {
		off = 0
	}
	buf := make([]byte, fi.Size()-off)
	if _, err := f.ReadAt(buf, off); err != nil {
		return "(log unavailable)"
	}
	return string(buf)
}

// memWatch periodically samples the process group's resident memory to
// record the peak and to kill the group if it exceeds the ceiling.
// Sampler failures degrade to peak unknown.
type memWatch struct {
	sampler    MemSampler
	interval   time.Duration
	pgid       int
	ceilingMiB int

	mu        sync.Mutex
	peakMiB   int
	sampled   bool
	memKilled bool
	done      chan struct{}
}

func newMemWatch(sampler MemSampler, interval time.Duration, pgid, ceilingMiB int) *memWatch {
	return &memWatch{
		sampler:    sampler,
		interval:   interval,
		pgid:       pgid,
		ceilingMiB: ceilingMiB,
		done:       make(chan struct{}),
	}
}

func (w *memWatch) loop() {
	if w.sampler == nil {
		return
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			mem, err := w.sampler.SampleMiB(w.pgid)
			if err != nil {
				// Transient: the group may have exited between samples.
				log.WithFields(log.Fields{
					"pgid":  w.pgid,
					"error": err,
				}).Debug("Memory sample failed")
				continue
			}
			w.mu.Lock()
			w.sampled = true
			if mem > w.peakMiB {
				w.peakMiB = mem
			}
			kill := w.ceilingMiB > 0 && mem > w.ceilingMiB && !w.memKilled
			if kill {
				w.memKilled = true
			}
			w.mu.Unlock()
			if kill {
				log.WithFields(log.Fields{
					"pgid":       w.pgid,
					"memMiB":     mem,
					"ceilingMiB": w.ceilingMiB,
				}).Warn("Memory ceiling exceeded, killing process group")
				killGroup(w.pgid)
			}
		}
	}
}

// stop ends sampling and returns the observed peak (PeakMemUnknown if no
// sample ever succeeded) and whether the watcher killed the group.
func (w *memWatch) stop() (peakMiB int, memKilled bool) {
	close(w.done)
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.sampled {
		return progress.PeakMemUnknown, w.memKilled
	}
	return w.peakMiB, w.memKilled
}
