package vaultcli

import (
	"github.com/spf13/cobra"
)

func newRetryCmd() *cobra.Command {
	var opts fetchOptions
	var connections, segmentSizeMB, parallelism, ttfbTimeout, retryLimit int

	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Resume a prior run and retry incomplete segments",
		Long: `Equivalent to fetch with --resume, but framed for the case where a
previous run exhausted its per-segment retry budget: previously persisted
segments are reused and every other segment, including ones that failed
last time, is attempted again under (by default) an unbounded retry limit.`,
		Example: `  vaultpull retry --endpoint https://files.example.com/manifest \
    --path /jobs/42/output.tar --sign abc123... -o output.tar`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.forceRestart = false
			if !cmd.Flags().Changed("retry-limit") {
				// Apply this command's unbounded default over the settings file.
				cmd.Flags().Set("retry-limit", "-1")
			}
			return runFetch(cmd, opts, connections, segmentSizeMB, parallelism, ttfbTimeout, retryLimit)
		},
	}

	cmd.Flags().StringVar(&opts.endpoint, "endpoint", "", "Manifest endpoint base URL")
	cmd.Flags().StringVar(&opts.path, "path", "", "Signed path query parameter")
	cmd.Flags().StringVar(&opts.sign, "sign", "", "Signature query parameter")
	cmd.Flags().StringVar(&opts.altChallengeResult, "alt-challenge-result", "", "Opaque bot-challenge precondition, forwarded verbatim")
	cmd.Flags().StringVar(&opts.powdetSolution, "powdet-solution", "", "Opaque proof-of-work precondition, forwarded verbatim")
	cmd.Flags().StringVar(&opts.turnstileResponse, "turnstile-response", "", "cf-turnstile-response header value, forwarded verbatim")
	cmd.Flags().StringVar(&opts.turnstileBinding, "turnstile-binding", "", "x-turnstile-binding header value, forwarded verbatim")
	cmd.Flags().StringVarP(&opts.dest, "output", "o", "", "Destination file path")
	cmd.Flags().IntVar(&connections, "connections", 0, "Concurrent segment fetches (0 = use settings default)")
	cmd.Flags().IntVar(&segmentSizeMB, "segment-size-mb", 0, "Plaintext segment size in MiB (0 = use settings default)")
	cmd.Flags().IntVar(&parallelism, "parallelism", 0, "Decrypt pool worker count (0 = use settings default)")
	cmd.Flags().IntVar(&ttfbTimeout, "ttfb-timeout", 0, "Seconds to wait for a segment's first response byte (0 = use settings default)")
	cmd.Flags().IntVar(&retryLimit, "retry-limit", -1, "Per-segment retry cap, -1 for unbounded")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "Suppress the progress bar")

	return cmd
}
