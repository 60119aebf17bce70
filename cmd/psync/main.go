package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/chmdznr/psync/internal/archive"
	"github.com/chmdznr/psync/internal/config"
	"github.com/chmdznr/psync/internal/db"
	"github.com/chmdznr/psync/internal/fetch"
	"github.com/chmdznr/psync/internal/npdc"
	"github.com/chmdznr/psync/internal/sync"
	"github.com/chmdznr/psync/pkg/errors"
	"github.com/chmdznr/psync/pkg/models"
	"github.com/chmdznr/psync/pkg/utils"
	"github.com/chmdznr/psync/pkg/version"
)

var (
	remoteFlags = []cli.Flag{
		&cli.StringFlag{
			Name:  "host",
			Usage: "Remote host to fetch from",
		},
		&cli.StringFlag{
			Name:  "remote-dir",
			Usage: "Remote directory holding the CSV files",
		},
		&cli.StringFlag{
			Name:  "pattern",
			Usage: "Glob selecting the remote files",
		},
	}

	datasetFlags = []cli.Flag{
		&cli.StringFlag{
			Name:  "dataset",
			Usage: "Dataset id",
		},
		&cli.StringFlag{
			Name:  "prefix",
			Usage: "Attachment prefix",
		},
		&cli.StringFlag{
			Name:  "environment",
			Usage: "Dataset service environment (staging or production)",
		},
		&cli.BoolFlag{
			Name:  "dry-run",
			Usage: "Log the planned changes without applying them",
		},
	}
)

func main() {
	cli.VersionFlag = &cli.BoolFlag{
		Name:    "version",
		Aliases: []string{"v"},
		Usage:   "print the version",
	}

	app := &cli.App{
		Name:                 "psync",
		Usage:                "Fetch CSV products over SSH and publish them as dataset attachments",
		Version:              version.Version,
		EnableBashCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML configuration file",
				EnvVars: []string{"PSYNC_CONFIG"},
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
			&cli.BoolFlag{
				Name:  "log-json",
				Usage: "Log in JSON",
			},
			&cli.StringFlag{
				Name:  "journal",
				Usage: "Path to the run journal, or \"off\" to disable it",
			},
			&cli.StringFlag{
				Name:  "local-dir",
				Usage: "Local products directory",
			},
			&cli.BoolFlag{
				Name:  "no-progress",
				Usage: "Do not render progress bars",
			},
		},
		Before: setupLogging,
		Commands: []*cli.Command{
			{
				Name:  "version",
				Usage: "Print detailed version information",
				Action: func(c *cli.Context) error {
					fmt.Print(version.Info())
					return nil
				},
			},
			{
				Name:   "fetch",
				Usage:  "Copy the remote CSV files into the local directory",
				Flags:  remoteFlags,
				Action: fetchFiles,
			},
			{
				Name:   "sync",
				Usage:  "Reconcile the local directory with the dataset attachments",
				Flags:  datasetFlags,
				Action: syncAttachments,
			},
			{
				Name:   "run",
				Usage:  "Fetch, then sync",
				Flags:  append(append([]cli.Flag{}, remoteFlags...), datasetFlags...),
				Action: fetchAndSync,
			},
			{
				Name:  "status",
				Usage: "Show the most recent runs",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Number of runs to show",
						Value: 10,
					},
				},
				Action: showStatus,
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func setupLogging(c *cli.Context) error {
	if c.Bool("debug") {
		log.SetLevel(log.DebugLevel)
	}
	if c.Bool("log-json") {
		log.SetFormatter(&log.JSONFormatter{})
	}
	return nil
}

// loadConfig reads the configuration file and environment, then applies the
// flags that were set on the command line.
func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return config.Config{}, err
	}
	applyFlags(c, &cfg)
	return cfg, nil
}

func applyFlags(c *cli.Context, cfg *config.Config) {
	str := func(name string, dst *string) {
		if c.IsSet(name) {
			*dst = c.String(name)
		}
	}

	str("local-dir", &cfg.LocalDirectory)
	str("host", &cfg.Remote.Host)
	str("remote-dir", &cfg.Remote.Directory)
	str("pattern", &cfg.Remote.Pattern)
	str("dataset", &cfg.Dataset.ID)
	str("prefix", &cfg.Dataset.Prefix)
	str("environment", &cfg.Dataset.Environment)
	str("journal", &cfg.Journal.Path)
	if cfg.Journal.Path == "off" {
		cfg.Journal.Disabled = true
	}
}

func progressWriter(c *cli.Context) io.Writer {
	if c.Bool("no-progress") {
		return nil
	}
	return os.Stderr
}

// Exit codes of a run that did not complete.
const (
	exitFailed = 1
	exitFatal  = 2
)

// exitError turns a failure that stopped the run into a non-zero exit.
// Configuration, auth and connection failures exit with exitFatal, anything
// else, including an interrupt, with exitFailed.
func exitError(err error) error {
	if err == nil {
		return nil
	}
	code := exitFailed
	if errors.IsFatal(err) {
		code = exitFatal
	}
	return cli.Exit(fmt.Sprintf("psync: %v", err), code)
}

// journal wraps the optional run journal. A nil journal records nothing.
type journal struct {
	db  *db.DB
	run *models.Run
}

func openJournal(cfg config.Config, command string) *journal {
	if cfg.Journal.Disabled || cfg.Journal.Path == "" {
		return nil
	}

	jdb, err := db.New(cfg.Journal.Path)
	if err != nil {
		log.WithError(err).WithField("path", cfg.Journal.Path).Warn("Failed to open journal, continuing without it")
		return nil
	}
	run, err := jdb.StartRun(command, cfg.Dataset.ID)
	if err != nil {
		log.WithError(err).Warn("Failed to record run, continuing without journal")
		jdb.Close()
		return nil
	}
	return &journal{db: jdb, run: run}
}

func (j *journal) recorder() *db.RunRecorder {
	if j == nil {
		return nil
	}
	return j.db.Recorder(j.run)
}

func (j *journal) recordFetches(records []models.FetchRecord) {
	if j == nil || len(records) == 0 {
		return
	}
	if err := j.db.RecordFetches(j.run.ID, records); err != nil {
		log.WithError(err).Warn("Failed to record fetched files")
	}
}

func (j *journal) finish(runErr error) {
	if j == nil {
		return
	}
	if err := j.db.FinishRun(j.run, runErr); err != nil {
		log.WithError(err).Warn("Failed to finish run")
	}
	j.db.Close()
}

func fetchFiles(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return exitError(err)
	}
	if err := validateFetch(&cfg); err != nil {
		return exitError(err)
	}

	j := openJournal(cfg, "fetch")
	_, err = runFetch(c, cfg, j)
	j.finish(err)
	return exitError(err)
}

func syncAttachments(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return exitError(err)
	}
	if err := cfg.ValidateDataset(); err != nil {
		return exitError(err)
	}

	j := openJournal(cfg, "sync")
	err = runSync(c, cfg, j)
	j.finish(err)
	return exitError(err)
}

func fetchAndSync(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return exitError(err)
	}
	if err := validateFetch(&cfg); err != nil {
		return exitError(err)
	}
	if err := cfg.ValidateDataset(); err != nil {
		return exitError(err)
	}

	j := openJournal(cfg, "run")
	if _, err = runFetch(c, cfg, j); err == nil {
		err = runSync(c, cfg, j)
	}
	j.finish(err)
	return exitError(err)
}

func validateFetch(cfg *config.Config) error {
	if err := cfg.ValidateRemote(); err != nil {
		return err
	}
	return cfg.ValidateArchive()
}

func runFetch(c *cli.Context, cfg config.Config, j *journal) (fetch.Result, error) {
	start := time.Now()

	transport, err := fetch.DialSSH(c.Context, cfg.Remote)
	if err != nil {
		return fetch.Result{}, err
	}
	defer transport.Close()

	fetcher := fetch.New(transport, fetch.WithProgress(progressWriter(c)))
	result, err := fetcher.FetchAll(c.Context, cfg.Remote.Directory, cfg.LocalDirectory, cfg.Remote.Pattern)
	j.recordFetches(result.Records)

	if cfg.Archive.Enabled() {
		mirror(c.Context, cfg, j, result.Records)
	}

	log.WithFields(log.Fields{
		"found":    result.Found,
		"fetched":  result.Fetched,
		"failed":   result.Failed,
		"size":     utils.FormatSize(result.Bytes),
		"duration": utils.FormatDuration(time.Since(start)),
	}).Info("Fetch finished")
	return result, err
}

func mirror(ctx context.Context, cfg config.Config, j *journal, records []models.FetchRecord) {
	archiver, err := archive.New(cfg.Archive, cfg.Remote.Host, cfg.Dataset.ID)
	if err != nil {
		log.WithError(err).Warn("Failed to set up archive, skipping it")
		return
	}
	if rec := j.recorder(); rec != nil {
		archiver.SetRecorder(rec)
	}

	res := archiver.Mirror(ctx, records)
	log.WithFields(log.Fields{
		"archived": res.Archived,
		"failed":   res.Failed,
		"bucket":   cfg.Archive.Bucket,
	}).Info("Archive finished")
}

func runSync(c *cli.Context, cfg config.Config, j *journal) error {
	start := time.Now()

	authEntrypoint, datasetEntrypoint, err := cfg.Dataset.Entrypoints()
	if err != nil {
		return err
	}
	clientOpts := []npdc.Option{
		npdc.WithTimeout(cfg.Dataset.Timeout.Duration),
		npdc.WithUserAgent(version.UserAgent()),
	}

	auth, err := npdc.NewAuthClient(authEntrypoint, clientOpts...)
	if err != nil {
		return err
	}

	syncerConfig := sync.SyncerConfig{
		DatasetID:      cfg.Dataset.ID,
		Prefix:         cfg.Dataset.Prefix,
		Query:          cfg.Dataset.Query,
		LocalDirectory: cfg.LocalDirectory,
		DryRun:         c.Bool("dry-run"),
	}
	opts := []sync.Option{sync.WithProgress(progressWriter(c))}
	if rec := j.recorder(); rec != nil {
		opts = append(opts, sync.WithRecorder(rec))
	}

	syncer, err := sync.NewSyncer(syncerConfig, opts...)
	if err != nil {
		return err
	}

	newService := func(account *npdc.Account) (sync.Service, error) {
		client, err := npdc.NewDatasetClient(datasetEntrypoint, account, clientOpts...)
		if err != nil {
			return nil, err
		}
		return client, nil
	}

	summary, err := syncer.Run(c.Context, cfg.Credentials, auth, newService)
	if err != nil {
		return err
	}

	for _, failure := range summary.Failures {
		log.WithError(failure.Err).WithFields(log.Fields{
			"operation": failure.Kind,
			"file":      failure.Filename,
		}).Warn("Operation failed")
	}
	log.WithFields(log.Fields{
		"duration":  utils.FormatDuration(time.Since(start)),
		"mutations": summary.Mutations(),
		"failed":    summary.Failed(),
	}).Info(summary.String())
	return nil
}

func showStatus(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return exitError(err)
	}
	if cfg.Journal.Disabled {
		return cli.Exit("psync: the journal is disabled", 1)
	}

	jdb, err := db.New(cfg.Journal.Path)
	if err != nil {
		return fmt.Errorf("failed to open journal: %v", err)
	}
	defer jdb.Close()

	runs, err := jdb.LastRuns(c.Int("limit"))
	if err != nil {
		return fmt.Errorf("failed to get runs: %v", err)
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded")
		return nil
	}

	for _, run := range runs {
		stats, err := jdb.GetStats(run.ID)
		if err != nil {
			return err
		}
		printRun(run, stats)
	}
	return nil
}

func printRun(run models.Run, stats *models.Stats) {
	duration := "-"
	if !run.FinishedAt.IsZero() {
		duration = utils.FormatDuration(run.FinishedAt.Sub(run.StartedAt))
	}

	fmt.Printf("Run %s (%s)\n", run.ID, run.Command)
	fmt.Printf("  Started:  %s\n", run.StartedAt.Local().Format(time.RFC3339))
	fmt.Printf("  Duration: %s\n", duration)
	if failures := stats.Failures(); failures > 0 {
		fmt.Printf("  Status:   %s, %d failed operations\n", run.Status, failures)
	} else {
		fmt.Printf("  Status:   %s\n", run.Status)
	}
	if run.Error != "" {
		fmt.Printf("  Error:    %s\n", run.Error)
	}
	if run.DatasetID != "" {
		fmt.Printf("  Dataset:  %s\n", run.DatasetID)
	}
	if stats.FilesFound > 0 {
		fmt.Printf("  Fetched:  %d of %d (%s), %d failed\n",
			stats.FilesFetched, stats.FilesFound, utils.FormatSize(stats.BytesFetched), stats.FetchFailures)
	}
	fmt.Printf("  Uploaded: %d (%d failed)\n", stats.Uploaded, stats.UploadFailures)
	fmt.Printf("  Deleted:  %d (%d failed)\n", stats.Deleted, stats.DeleteFailures)
	fmt.Printf("  Released: %d (%d failed)\n", stats.Released, stats.ReleaseFailures)
	if stats.Skipped > 0 {
		fmt.Printf("  Skipped:  %d\n", stats.Skipped)
	}
	if stats.Archived > 0 || stats.ArchiveFailures > 0 {
		fmt.Printf("  Archived: %d (%d failed)\n", stats.Archived, stats.ArchiveFailures)
	}
}
