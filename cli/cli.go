// Package cli wires the pipeline stages behind a cobra command tree. Each
// subcommand runs one stage's batch; run drives all three in order.
package cli

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/seqbatch/seqbatch/batch"
	"github.com/seqbatch/seqbatch/common/stats"
	"github.com/seqbatch/seqbatch/progress"
	"github.com/seqbatch/seqbatch/resource"
	"github.com/seqbatch/seqbatch/runner"
	"github.com/seqbatch/seqbatch/stage"
)

type CLI struct {
	rootCmd *cobra.Command

	manifestPath string
	workDir      string
	indexPath    string
	storeKind    string
	configPath   string
	logLevel     string
	only         []string
	force        bool
	shares       int

	exitCode int
}

type command interface {
	registerFlags() *cobra.Command
	run(c *CLI, cmd *cobra.Command, args []string) error
}

func New() *CLI {
	c := &CLI{}
	c.rootCmd = &cobra.Command{
		Use:   "seqbatch",
		Short: "seqbatch runs batches of genomic pipeline jobs with tiered degrading retry",
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return c.setup()
		},
		SilenceUsage: true,
	}
	pf := c.rootCmd.PersistentFlags()
	pf.StringVar(&c.manifestPath, "manifest", "", "tab-separated job manifest (outputUnit, sourceAccession, itemSelector[, auth])")
	pf.StringVar(&c.workDir, "workdir", "work", "root directory for outputs, logs, scratch and progress state")
	pf.StringVar(&c.indexPath, "index", "", "transcriptome index directory (quant stage)")
	pf.StringVar(&c.storeKind, "store", "file", "progress store backend: file or sqlite")
	pf.StringVar(&c.configPath, "config", "", "optional tuning config file")
	pf.StringVar(&c.logLevel, "log-level", "info", "logrus level")
	pf.StringSliceVar(&c.only, "only", nil, "restrict the batch to these job ids")
	pf.BoolVar(&c.force, "force", false, "re-run jobs even when completed output exists")
	pf.IntVar(&c.shares, "host-shares", 1, "number of batches sharing this host; resources are divided by this count")

	c.addCmd(&stageCmd{name: "fetch", short: "retrieve raw reads for every job"})
	c.addCmd(&stageCmd{name: "trim", short: "quality-filter reads, merging technical replicates"})
	c.addCmd(&stageCmd{name: "quant", short: "quantify trimmed reads against the index"})
	c.addCmd(&runAllCmd{})

	return c
}

func (c *CLI) addCmd(cmd command) {
	cobraCmd := cmd.registerFlags()
	cobraCmd.RunE = func(cc *cobra.Command, args []string) error {
		return cmd.run(c, cc, args)
	}
	c.rootCmd.AddCommand(cobraCmd)
}

// Exec runs the CLI and returns the process exit code: 0 when every job
// resolved successfully, batch.ExitPartialFailure when any job terminally
// failed, 1 on infrastructure errors.
func (c *CLI) Exec() int {
	if err := c.rootCmd.Execute(); err != nil {
		log.Error(err)
		return 1
	}
	return c.exitCode
}

func (c *CLI) setup() error {
	level, err := log.ParseLevel(c.logLevel)
	if err != nil {
		return errors.Wrap(err, "parsing log level")
	}
	log.SetLevel(level)
	return loadConfig(c.configPath)
}

// pipeline builds the stage set from flags and config.
func (c *CLI) pipeline() map[string]stage.Stage {
	cfg := toolConfig()
	return map[string]stage.Stage{
		"fetch": stage.Acquire{ToolPath: cfg.fasterqDump},
		"trim":  stage.Trim{ToolPath: cfg.fastp, InputRoot: c.stageOutRoot("fetch")},
		"quant": stage.Quant{ToolPath: cfg.salmon, InputRoot: c.stageOutRoot("trim"), IndexPath: c.indexPath},
	}
}

func (c *CLI) stageOutRoot(name string) string {
	return filepath.Join(c.workDir, map[string]string{
		"fetch": "raw",
		"trim":  "trimmed",
		"quant": "quant",
	}[name])
}

func (c *CLI) openStore(stageName string) (progress.Store, error) {
	stateDir := filepath.Join(c.workDir, "state")
	if err := os.MkdirAll(stateDir, 0777); err != nil {
		return nil, errors.Wrap(err, "creating state dir")
	}
	switch c.storeKind {
	case "file":
		return progress.OpenFileStore(filepath.Join(stateDir, stageName))
	case "sqlite":
		return progress.OpenSQLiteStore(filepath.Join(stateDir, stageName+".db"))
	default:
		return nil, errors.Errorf("unknown store backend %q", c.storeKind)
	}
}

func (c *CLI) loadJobs(ctx context.Context, outRoot string) ([]stage.Job, error) {
	if c.manifestPath == "" {
		return nil, errors.New("--manifest is required")
	}
	f, err := os.Open(c.manifestPath)
	if err != nil {
		return nil, errors.Wrap(err, "opening manifest")
	}
	defer f.Close()
	entries, err := batch.ParseManifest(f)
	if err != nil {
		return nil, err
	}
	var lister batch.RunLister
	if argv := listerConfig(); len(argv) > 0 {
		lister = batch.ExecLister{Argv: argv, TokenFlag: listerTokenFlag()}
	}
	return batch.BuildJobs(ctx, entries, lister, outRoot)
}

// runStage executes one stage's batch and folds its exit code into the CLI
// result.
func (c *CLI) runStage(ctx context.Context, name string, st stage.Stage, stat stats.StatsReceiver) error {
	budget := resource.Probe(c.shares)
	cost := costConfig()

	outRoot := c.stageOutRoot(name)
	jobs, err := c.loadJobs(ctx, outRoot)
	if err != nil {
		return err
	}

	store, err := c.openStore(name)
	if err != nil {
		return err
	}
	defer store.Close()

	orch := &batch.Orchestrator{
		Stage:       st,
		Runner:      runner.NewExecRunner(st, runner.PSSampler{}, stat.Scope(name)),
		Store:       store,
		Budget:      budget,
		Cost:        cost,
		Stat:        stat.Scope(name),
		LogDir:      filepath.Join(c.workDir, "logs", name),
		ScratchRoot: filepath.Join(c.workDir, "scratch", name),
	}
	report, err := orch.Run(ctx, jobs, batch.Options{AllowList: c.only, Force: c.force})
	if err != nil {
		return err
	}
	path, err := report.WriteSummary()
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"stage":   name,
		"summary": path,
	}).Info("Batch finished")
	if code := report.ExitCode(); code > c.exitCode {
		c.exitCode = code
	}
	return nil
}

// signalContext cancels on SIGINT/SIGTERM so an operator abort propagates
// to in-flight child processes.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

type stageCmd struct {
	name  string
	short string
}

func (s *stageCmd) registerFlags() *cobra.Command {
	return &cobra.Command{Use: s.name, Short: s.short}
}

func (s *stageCmd) run(c *CLI, cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()
	st, ok := c.pipeline()[s.name]
	if !ok {
		return errors.Errorf("unknown stage %s", s.name)
	}
	return c.runStage(ctx, s.name, st, stats.DefaultStatsReceiver())
}

type runAllCmd struct{}

func (r *runAllCmd) registerFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "run fetch, trim and quant in order over one manifest",
	}
}

func (r *runAllCmd) run(c *CLI, cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()
	pipeline := c.pipeline()
	order := []string{"fetch", "trim", "quant"}

	// Check every stage's tool up front; a run that would die at stage
	// three should fail before stage one starts.
	var toolErrs *multierror.Error
	for _, name := range order {
		if err := batch.CheckTool(pipeline[name].Tool()); err != nil {
			toolErrs = multierror.Append(toolErrs, err)
		}
	}
	if err := toolErrs.ErrorOrNil(); err != nil {
		return err
	}

	stat := stats.DefaultStatsReceiver()
	for _, name := range order {
		if err := c.runStage(ctx, name, pipeline[name], stat); err != nil {
			return errors.Wrapf(err, "stage %s", name)
		}
	}
	return nil
}
