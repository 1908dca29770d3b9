package vaultcli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rescale/rescale-int/internal/config"
	"github.com/rescale/rescale-int/internal/manifest"
	"github.com/rescale/rescale-int/internal/orchestrator"
	"github.com/rescale/rescale-int/internal/pathutil"
	"github.com/rescale/rescale-int/internal/progress"
	"github.com/rescale/rescale-int/internal/resume"
	strutil "github.com/rescale/rescale-int/internal/util/strings"
	"github.com/rescale/rescale-int/internal/validation"
)

const keyPrefix = "vaultpull"

// fetchOptions carries the flags shared by the fetch and retry subcommands;
// retry is fetch with forceRestart=false and an emphasis on giving
// previously-incomplete segments a fresh retry budget.
type fetchOptions struct {
	endpoint           string
	path               string
	sign               string
	altChallengeResult string
	powdetSolution     string
	turnstileResponse  string
	turnstileBinding   string
	dest               string
	forceRestart       bool
	quiet              bool
}

func newFetchCmd() *cobra.Command {
	var opts fetchOptions
	var connections, segmentSizeMB, parallelism, ttfbTimeout, retryLimit int

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch and decrypt a file from its signed manifest",
		Long: `Fetches the signed manifest from --endpoint (with --path and --sign as
query parameters), then plans, schedules, and decrypts the file's segments,
writing plaintext to --output in order. Resumes a prior partial run with
the same --path and --sign unless --resume=false.`,
		Example: `  vaultpull fetch --endpoint https://files.example.com/manifest \
    --path /jobs/42/output.tar --sign abc123... -o output.tar`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(cmd, opts, connections, segmentSizeMB, parallelism, ttfbTimeout, retryLimit)
		},
	}

	var resumeDownload bool
	cmd.Flags().StringVar(&opts.endpoint, "endpoint", "", "Manifest endpoint base URL")
	cmd.Flags().StringVar(&opts.path, "path", "", "Signed path query parameter")
	cmd.Flags().StringVar(&opts.sign, "sign", "", "Signature query parameter")
	cmd.Flags().StringVar(&opts.altChallengeResult, "alt-challenge-result", "", "Opaque bot-challenge precondition, forwarded verbatim")
	cmd.Flags().StringVar(&opts.powdetSolution, "powdet-solution", "", "Opaque proof-of-work precondition, forwarded verbatim")
	cmd.Flags().StringVar(&opts.turnstileResponse, "turnstile-response", "", "cf-turnstile-response header value, forwarded verbatim")
	cmd.Flags().StringVar(&opts.turnstileBinding, "turnstile-binding", "", "x-turnstile-binding header value, forwarded verbatim")
	cmd.Flags().StringVarP(&opts.dest, "output", "o", "", "Destination file path")
	cmd.Flags().BoolVar(&resumeDownload, "resume", true, "Reuse any segments persisted by a prior run with the same --path and --sign")
	cmd.Flags().IntVar(&connections, "connections", 0, "Concurrent segment fetches (0 = use settings default)")
	cmd.Flags().IntVar(&segmentSizeMB, "segment-size-mb", 0, "Plaintext segment size in MiB (0 = use settings default)")
	cmd.Flags().IntVar(&parallelism, "parallelism", 0, "Decrypt pool worker count (0 = use settings default)")
	cmd.Flags().IntVar(&ttfbTimeout, "ttfb-timeout", 0, "Seconds to wait for a segment's first response byte (0 = use settings default)")
	cmd.Flags().IntVar(&retryLimit, "retry-limit", 0, "Per-segment retry cap, -1 for unbounded (0 = use settings default)")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "Suppress the progress bar")

	cmd.PreRun = func(cmd *cobra.Command, args []string) {
		opts.forceRestart = !resumeDownload
	}

	return cmd
}

func runFetch(cmd *cobra.Command, opts fetchOptions, connections, segmentSizeMB, parallelism, ttfbTimeout, retryLimit int) error {
	if opts.endpoint == "" || opts.path == "" || opts.sign == "" {
		return fmt.Errorf("--endpoint, --path, and --sign are required")
	}
	if opts.dest == "" {
		return fmt.Errorf("-o/--output is required")
	}
	if err := validation.ValidateFilePath(opts.dest); err != nil {
		return fmt.Errorf("invalid --output: %w", err)
	}
	resolvedDest, err := pathutil.ResolveAbsolutePath(opts.dest)
	if err != nil {
		return fmt.Errorf("resolving --output: %w", err)
	}
	opts.dest = resolvedDest

	ctx := GetContext()
	logger := GetLogger()

	settings, err := config.LoadSettings(cfgFile)
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}
	applyTransferFlags(cmd, &settings.Transfer, connections, segmentSizeMB, parallelism, ttfbTimeout, retryLimit)

	dbPath, err := settings.ResolvedResumeDBPath()
	if err != nil {
		return fmt.Errorf("resolving resume database path: %w", err)
	}
	store, err := resume.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening resume store: %w", err)
	}
	defer store.Close()

	key := resume.Key(keyPrefix, opts.path, opts.sign)
	if opts.forceRestart {
		if err := store.ClearKey(key); err != nil {
			return fmt.Errorf("clearing prior resume state: %w", err)
		}
	}

	fetcher := manifest.NewFetcher()
	man, err := fetcher.Fetch(ctx, opts.endpoint, opts.path, opts.sign, manifest.ChallengeParams{
		AltChallengeResult: opts.altChallengeResult,
		PowdetSolution:     opts.powdetSolution,
		TurnstileResponse:  opts.turnstileResponse,
		TurnstileBinding:   opts.turnstileBinding,
	})
	if err != nil {
		return fmt.Errorf("fetching manifest: %w", err)
	}

	orch := orchestrator.New(store, logger, nil, keyPrefix, settings.OrchestratorSettings())

	reused, err := orch.PrepareFromInfo(ctx, man, orchestrator.PrepareParams{
		Path:      opts.path,
		Sign:      opts.sign,
		AutoStart: false,
		DestPath:  opts.dest,
	})
	if err != nil {
		return fmt.Errorf("preparing download: %w", err)
	}
	if reused > 0 {
		fmt.Printf("resuming: %d %s already downloaded\n", reused, strutil.Pluralize("segment", int64(reused)))
	}

	if err := orch.Start(ctx, opts.dest); err != nil {
		return fmt.Errorf("starting download: %w", err)
	}

	done := make(chan struct{})
	if !opts.quiet {
		ui := progress.NewSessionUI(man.FileName, man.TotalSize)
		go ui.Poll(func() progress.Snapshot {
			p := orch.Progress()
			return progress.Snapshot{
				DownloadedEncrypted: p.DownloadedEncrypted,
				TotalEncrypted:      p.TotalEncrypted,
				DecryptedBytes:      p.DecryptedBytes,
				TotalSize:           p.TotalSize,
				SpeedBytesPerSec:    p.SpeedBytesPerSec,
			}
		}, done)
		runErr := orch.Wait()
		close(done)
		ui.Wait()
		ui.Finish(runErr)
		return runErr
	}

	runErr := orch.Wait()
	close(done)
	if runErr != nil {
		return runErr
	}
	fmt.Printf("done: %s (%d bytes)\n", opts.dest, man.TotalSize)
	return nil
}

func applyTransferFlags(cmd *cobra.Command, t *config.TransferConfig, connections, segmentSizeMB, parallelism, ttfbTimeout, retryLimit int) {
	if cmd.Flags().Changed("connections") {
		t.ConnectionLimit = connections
	}
	if cmd.Flags().Changed("segment-size-mb") {
		t.SegmentSizeMB = segmentSizeMB
	}
	if cmd.Flags().Changed("parallelism") {
		t.DecryptParallelism = parallelism
	}
	if cmd.Flags().Changed("ttfb-timeout") {
		t.TTFBTimeoutSeconds = ttfbTimeout
	}
	if cmd.Flags().Changed("retry-limit") {
		t.RetryLimit = retryLimit
	}
}
