package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/dustin/go-humanize"
	"github.com/eiannone/keyboard"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/chmdznr/mediasync/internal/dest"
	"github.com/chmdznr/mediasync/internal/engine"
	"github.com/chmdznr/mediasync/internal/ledger"
	"github.com/chmdznr/mediasync/internal/source"
	"github.com/chmdznr/mediasync/pkg/errs"
	"github.com/chmdznr/mediasync/pkg/models"
	"github.com/chmdznr/mediasync/pkg/utils"
	"github.com/chmdznr/mediasync/pkg/version"
)

const dateLayout = "2006-01-02"

func main() {
	cli.VersionFlag = &cli.BoolFlag{
		Name:    "version",
		Aliases: []string{"v"},
		Usage:   "print the version",
	}

	ledgerFlag := &cli.StringFlag{
		Name:  "ledger",
		Usage: "Path to the ledger database",
		Value: "mediasync.db",
	}
	destFlag := &cli.StringFlag{
		Name:     "dest",
		Usage:    "Destination ID",
		Required: true,
	}

	app := &cli.App{
		Name:                 "mediasync",
		Usage:                "Deduplicated, resumable media backup with independent verification",
		Version:              version.Version,
		EnableBashCompletion: true,
		Commands: []*cli.Command{
			{
				Name:  "version",
				Usage: "Print detailed version information",
				Action: func(c *cli.Context) error {
					fmt.Printf("Version:    %s\n", version.Version)
					fmt.Printf("Git commit: %s\n", version.GitCommit)
					fmt.Printf("Built:      %s\n", version.BuildTime)
					return nil
				},
			},
			{
				Name:  "destination",
				Usage: "Manage backup destinations",
				Subcommands: []*cli.Command{
					{
						Name:  "add",
						Usage: "Register a new destination",
						Flags: []cli.Flag{
							ledgerFlag,
							&cli.StringFlag{Name: "name", Usage: "Destination name", Required: true},
							&cli.StringFlag{Name: "kind", Usage: "Destination kind (minio or localdir)", Required: true},
							&cli.StringFlag{Name: "endpoint", Usage: "MinIO endpoint"},
							&cli.StringFlag{Name: "bucket", Usage: "MinIO bucket name"},
							&cli.StringFlag{Name: "prefix", Usage: "Object key prefix"},
							&cli.StringFlag{Name: "access-key", Usage: "MinIO access key"},
							&cli.StringFlag{Name: "secret-key", Usage: "MinIO secret key"},
							&cli.BoolFlag{Name: "ssl", Usage: "Use TLS for MinIO", Value: true},
							&cli.StringFlag{Name: "root", Usage: "Root directory for localdir destinations"},
						},
						Action: addDestination,
					},
					{
						Name:   "list",
						Usage:  "List registered destinations",
						Flags:  []cli.Flag{ledgerFlag},
						Action: listDestinations,
					},
					{
						Name:   "check",
						Usage:  "Run a health check against a destination",
						Flags:  []cli.Flag{ledgerFlag, destFlag},
						Action: checkDestination,
					},
				},
			},
			{
				Name:  "sync",
				Usage: "Start a backup run (press p to pause, r to resume, c to cancel)",
				Flags: []cli.Flag{
					ledgerFlag,
					destFlag,
					&cli.StringFlag{Name: "source", Usage: "Source directory path", Required: true},
					&cli.IntFlag{Name: "workers", Usage: "Number of parallel transfer workers (1-10)", Value: 4},
					&cli.IntFlag{Name: "batch", Usage: "Ledger write batch size", Value: 100},
					&cli.StringFlag{Name: "prefix", Usage: "Remote path prefix"},
					&cli.StringFlag{Name: "from", Usage: "Only items modified on or after this date (YYYY-MM-DD)"},
					&cli.StringFlag{Name: "to", Usage: "Only items modified on or before this date (YYYY-MM-DD)"},
					&cli.BoolFlag{Name: "no-keys", Usage: "Disable interactive pause/resume keys"},
				},
				Action: runSync,
			},
			{
				Name:   "status",
				Usage:  "Show ledger statistics for a destination",
				Flags:  []cli.Flag{ledgerFlag, destFlag},
				Action: showStatus,
			},
			{
				Name:  "jobs",
				Usage: "List recent sync jobs",
				Flags: []cli.Flag{
					ledgerFlag,
					&cli.IntFlag{Name: "limit", Usage: "Number of jobs to show", Value: 10},
					&cli.BoolFlag{Name: "errors", Usage: "Show each job's error log"},
					&cli.StringFlag{Name: "delete", Usage: "Delete the job record (and its error log) with this ID"},
				},
				Action: listJobs,
			},
			{
				Name:  "verify",
				Usage: "Audit the ledger against the destination",
				Flags: []cli.Flag{
					ledgerFlag,
					destFlag,
					&cli.StringFlag{Name: "kind", Usage: "Verification kind: quick, full or incremental", Value: "quick"},
					&cli.IntFlag{Name: "sample", Usage: "Sample size for quick verification", Value: 100},
					&cli.DurationFlag{Name: "recheck-after", Usage: "Incremental: re-check items verified longer ago than this", Value: 30 * 24 * time.Hour},
					&cli.IntFlag{Name: "history", Usage: "Show the last N verification runs instead of running one"},
				},
				Action: runVerification,
			},
			{
				Name:  "gaps",
				Usage: "Diff the source collection against the ledger",
				Flags: []cli.Flag{
					ledgerFlag,
					destFlag,
					&cli.StringFlag{Name: "source", Usage: "Source directory path", Required: true},
				},
				Action: runGapDetection,
			},
			{
				Name:   "purge",
				Usage:  "Delete all synced-item records for a destination",
				Flags:  []cli.Flag{ledgerFlag, destFlag},
				Action: purgeDestination,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func openLedger(c *cli.Context) (*ledger.Store, error) {
	store, err := ledger.Open(c.String("ledger"))
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %v", err)
	}
	return store, nil
}

func addDestination(c *cli.Context) error {
	store, err := openLedger(c)
	if err != nil {
		return err
	}
	defer store.Close()

	kind := c.String("kind")
	var config string
	switch kind {
	case dest.KindMinio:
		if c.String("endpoint") == "" || c.String("bucket") == "" {
			return fmt.Errorf("minio destinations require --endpoint and --bucket")
		}
		config = fmt.Sprintf(`{"endpoint":%q,"bucket":%q,"prefix":%q,"accessKey":%q,"secretKey":%q,"useSSL":%t}`,
			c.String("endpoint"), c.String("bucket"), c.String("prefix"),
			c.String("access-key"), c.String("secret-key"), c.Bool("ssl"))
	case dest.KindLocalDir:
		if c.String("root") == "" {
			return fmt.Errorf("localdir destinations require --root")
		}
		config = fmt.Sprintf(`{"root":%q}`, c.String("root"))
	default:
		return fmt.Errorf("unknown destination kind %q", kind)
	}

	rec := &models.DestinationRecord{
		ID:           uuid.NewString(),
		Name:         c.String("name"),
		Kind:         kind,
		Config:       config,
		CreatedAt:    time.Now().UTC(),
		HealthStatus: models.HealthUnknown,
	}
	if err := store.CreateDestination(rec); err != nil {
		return fmt.Errorf("failed to create destination: %v", err)
	}

	fmt.Printf("Destination '%s' registered with ID %s\n", rec.Name, rec.ID)
	return nil
}

func listDestinations(c *cli.Context) error {
	store, err := openLedger(c)
	if err != nil {
		return err
	}
	defer store.Close()

	recs, err := store.ListDestinations()
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Println("No destinations registered")
		return nil
	}
	for _, rec := range recs {
		checked := "never"
		if rec.LastHealthCheck != nil {
			checked = humanize.Time(*rec.LastHealthCheck)
		}
		fmt.Printf("%s  %-20s kind=%-8s health=%-9s checked=%s\n",
			rec.ID, rec.Name, rec.Kind, rec.HealthStatus, checked)
	}
	return nil
}

func checkDestination(c *cli.Context) error {
	store, err := openLedger(c)
	if err != nil {
		return err
	}
	defer store.Close()

	rec, err := store.GetDestination(c.String("dest"))
	if err != nil {
		return err
	}
	client, err := dest.New(rec)
	if err != nil {
		return err
	}

	ctx := context.Background()
	status := models.HealthHealthy
	if err := client.Connect(ctx); err != nil {
		status = models.HealthUnhealthy
	} else if err := client.TestConnection(ctx); err != nil {
		status = models.HealthDegraded
	}
	client.Disconnect()

	if err := store.UpdateDestinationHealth(rec.ID, status, time.Now().UTC()); err != nil {
		return err
	}
	fmt.Printf("Destination '%s' health: %s\n", rec.Name, status)
	return nil
}

func parseFilter(c *cli.Context) (source.Filter, error) {
	var filter source.Filter
	if from := c.String("from"); from != "" {
		t, err := time.Parse(dateLayout, from)
		if err != nil {
			return filter, fmt.Errorf("invalid --from date: %v", err)
		}
		filter.From = t
	}
	if to := c.String("to"); to != "" {
		t, err := time.Parse(dateLayout, to)
		if err != nil {
			return filter, fmt.Errorf("invalid --to date: %v", err)
		}
		// Inclusive end of day.
		filter.To = t.Add(24*time.Hour - time.Nanosecond)
	}
	return filter, nil
}

func runSync(c *cli.Context) error {
	store, err := openLedger(c)
	if err != nil {
		return err
	}
	defer store.Close()

	filter, err := parseFilter(c)
	if err != nil {
		return err
	}

	enum := source.NewFSEnumerator(c.String("source"))
	eng := engine.New(store, enum, engine.Config{
		Workers:      c.Int("workers"),
		BatchSize:    c.Int("batch"),
		RemotePrefix: c.String("prefix"),
	})

	if err := eng.StartSync(c.String("dest"), filter); err != nil {
		return fmt.Errorf("failed to start sync: %v", err)
	}

	stopKeys := make(chan struct{})
	if !c.Bool("no-keys") {
		go controlKeys(eng, stopKeys)
	}

	waitErr := watchProgress(eng)
	close(stopKeys)

	switch {
	case errors.Is(waitErr, errs.ErrNothingToSync):
		fmt.Println("Nothing to sync: every item is already backed up")
		return nil
	case errors.Is(waitErr, errs.ErrCancelled):
		fmt.Println("Sync cancelled")
		return nil
	case waitErr != nil:
		var pf *errs.PartialFailure
		if errors.As(waitErr, &pf) {
			fmt.Printf("Sync completed with failures: %d synced, %d failed (see 'jobs --errors')\n",
				pf.Success, pf.Failure)
			return nil
		}
		return fmt.Errorf("sync failed: %v", waitErr)
	}
	fmt.Println("Sync completed successfully")
	return nil
}

// watchProgress renders a live progress bar until the run finishes.
func watchProgress(eng *engine.Engine) error {
	done := make(chan error, 1)
	go func() { done <- eng.Wait() }()

	// Wait for preparation to finish so the bar has a total.
	var bar *pb.ProgressBar
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			if bar != nil {
				p := eng.Progress()
				bar.SetCurrent(p.ItemsCompleted)
				bar.Finish()
			}
			return err
		case <-ticker.C:
			p := eng.Progress()
			if p.TotalItems == 0 {
				continue
			}
			if bar == nil {
				bar = pb.New64(p.TotalItems)
				bar.SetTemplate(`{{counters . }} {{bar . }} {{percent . }} {{string . "speed"}} {{string . "state"}}`)
				bar.Start()
			}
			bar.SetCurrent(p.ItemsCompleted)
			bar.Set("speed", utils.FormatSpeed(p.CurrentSpeed))
			bar.Set("state", string(p.State))
		}
	}
}

// controlKeys maps p/r/c keys to pause/resume/cancel while a run is active.
func controlKeys(eng *engine.Engine, stop <-chan struct{}) {
	if err := keyboard.Open(); err != nil {
		return
	}
	defer keyboard.Close()

	keys := make(chan rune, 1)
	go func() {
		for {
			char, key, err := keyboard.GetKey()
			if err != nil {
				return
			}
			if key == keyboard.KeyCtrlC {
				char = 'c'
			}
			select {
			case keys <- char:
			default:
			}
		}
	}()

	for {
		select {
		case <-stop:
			return
		case char := <-keys:
			switch char {
			case 'p':
				if err := eng.Pause(); err == nil {
					fmt.Println("\nPaused (press r to resume, c to cancel)")
				}
			case 'r':
				if err := eng.Resume(); err == nil {
					fmt.Println("\nResumed")
				}
			case 'c':
				if err := eng.Cancel(); err == nil {
					fmt.Println("\nCancelling, letting in-flight transfers drain...")
				}
			}
		}
	}
}

func showStatus(c *cli.Context) error {
	store, err := openLedger(c)
	if err != nil {
		return err
	}
	defer store.Close()

	rec, err := store.GetDestination(c.String("dest"))
	if err != nil {
		return err
	}
	stats, err := store.Stats(rec.ID)
	if err != nil {
		return err
	}

	fmt.Printf("Destination: %s (%s)\n", rec.Name, rec.Kind)
	fmt.Printf("Items backed up: %s (%s)\n",
		humanize.Comma(stats.SyncedItems), utils.FormatSize(stats.SyncedBytes))
	fmt.Printf("Items verified: %s\n", humanize.Comma(stats.VerifiedItems))
	if stats.LastSyncedAt != nil {
		fmt.Printf("Last synced: %s\n", humanize.Time(*stats.LastSyncedAt))
	} else {
		fmt.Println("Last synced: never")
	}
	return nil
}

func listJobs(c *cli.Context) error {
	store, err := openLedger(c)
	if err != nil {
		return err
	}
	defer store.Close()

	if id := c.String("delete"); id != "" {
		if err := store.DeleteJob(id); err != nil {
			return err
		}
		fmt.Printf("Deleted job %s\n", id)
		return nil
	}

	jobs, err := store.RecentJobs(c.Int("limit"))
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs recorded")
		return nil
	}

	for _, job := range jobs {
		duration := "-"
		if job.EndTime != nil {
			duration = utils.FormatDuration(job.EndTime.Sub(job.StartTime))
		}
		speed := "-"
		if job.AverageSpeed != nil {
			speed = utils.FormatSpeed(*job.AverageSpeed)
		}
		fmt.Printf("%s  %s  %-9s scanned=%d synced=%d failed=%d %s in %s at %s\n",
			job.ID, job.StartTime.Format(time.RFC3339), job.Status,
			job.ItemsScanned, job.ItemsSynced, job.ItemsFailed,
			utils.FormatSize(job.BytesTransferred), duration, speed)

		if c.Bool("errors") && job.ItemsFailed > 0 {
			entries, err := store.JobErrors(job.ID)
			if err != nil {
				return err
			}
			for _, e := range entries {
				note := ""
				if e.Retryable {
					note = " (retryable)"
				}
				fmt.Printf("    [%s] %s: %s%s\n", e.Category, e.ItemID, e.Message, note)
			}
		}
	}
	return nil
}

func runVerification(c *cli.Context) error {
	store, err := openLedger(c)
	if err != nil {
		return err
	}
	defer store.Close()

	if n := c.Int("history"); n > 0 {
		runs, err := store.RecentVerificationJobs(n)
		if err != nil {
			return err
		}
		for _, run := range runs {
			fmt.Printf("%s  %-5s checked=%d verified=%d mismatched=%d missing=%d errors=%d (%.1f%%)\n",
				run.StartTime.Format(time.RFC3339), run.Kind, run.TotalItems,
				run.VerifiedCount, run.MismatchCount, run.MissingCount,
				run.ErrorCount, run.SuccessRate()*100)
		}
		return nil
	}

	rec, err := store.GetDestination(c.String("dest"))
	if err != nil {
		return err
	}
	client, err := dest.New(rec)
	if err != nil {
		return err
	}
	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to destination: %v", err)
	}
	defer client.Disconnect()

	verifier := engine.NewVerifier(store)
	var job *models.VerificationJob
	switch c.String("kind") {
	case "full":
		fmt.Println("Running full verification...")
		job, err = verifier.VerifyBackup(ctx, client, rec.ID)
	case "quick":
		fmt.Printf("Running quick verification (sample %d)...\n", c.Int("sample"))
		job, err = verifier.QuickVerify(ctx, client, rec.ID, c.Int("sample"))
	case "incremental":
		cutoff := time.Now().UTC().Add(-c.Duration("recheck-after"))
		fmt.Printf("Running incremental verification (items unverified since %s)...\n", cutoff.Format(dateLayout))
		job, err = verifier.IncrementalVerify(ctx, client, rec.ID, cutoff)
	default:
		return fmt.Errorf("unknown verification kind %q", c.String("kind"))
	}
	if err != nil {
		return fmt.Errorf("verification failed: %v", err)
	}

	fmt.Printf("Checked:    %d items\n", job.TotalItems)
	fmt.Printf("Verified:   %d\n", job.VerifiedCount)
	fmt.Printf("Mismatched: %d\n", job.MismatchCount)
	fmt.Printf("Missing:    %d\n", job.MissingCount)
	fmt.Printf("Errors:     %d\n", job.ErrorCount)
	fmt.Printf("Success rate: %.1f%%\n", job.SuccessRate()*100)
	if job.IsFullyVerified() {
		fmt.Println("Backup fully verified")
	}
	return nil
}

func runGapDetection(c *cli.Context) error {
	store, err := openLedger(c)
	if err != nil {
		return err
	}
	defer store.Close()

	rec, err := store.GetDestination(c.String("dest"))
	if err != nil {
		return err
	}

	enum := source.NewFSEnumerator(c.String("source"))
	if err := enum.Authorize(); err != nil {
		return err
	}

	verifier := engine.NewVerifier(store)
	result, err := verifier.DetectGaps(context.Background(), enum, rec.ID)
	if err != nil {
		return fmt.Errorf("gap detection failed: %v", err)
	}

	fmt.Printf("Library items:  %d\n", result.TotalInLibrary)
	fmt.Printf("Synced:         %d (%.1f%%)\n", result.TotalSynced, result.SyncPercentage())
	fmt.Printf("Unsynced:       %d\n", result.GapCount())
	fmt.Printf("Modified since sync: %d\n", len(result.ModifiedItems))
	for _, ref := range result.UnsyncedItems {
		fmt.Printf("    missing: %s\n", ref.LocalID)
	}
	for _, ref := range result.ModifiedItems {
		fmt.Printf("    modified: %s\n", ref.LocalID)
	}
	return nil
}

func purgeDestination(c *cli.Context) error {
	store, err := openLedger(c)
	if err != nil {
		return err
	}
	defer store.Close()

	rec, err := store.GetDestination(c.String("dest"))
	if err != nil {
		return err
	}
	n, err := store.PurgeSyncedItems(rec.ID)
	if err != nil {
		return err
	}
	fmt.Printf("Purged %d synced-item records for '%s'\n", n, rec.Name)
	return nil
}
