package vaultcli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rescale/rescale-int/internal/config"
	"github.com/rescale/rescale-int/internal/manifest"
	"github.com/rescale/rescale-int/internal/resume"
	strutil "github.com/rescale/rescale-int/internal/util/strings"
)

func newStatusCmd() *cobra.Command {
	var path, sign string

	cmd := &cobra.Command{
		Use:   "status <output>",
		Short: "Show resume progress persisted for a --path/--sign pair",
		Long: `Inspects the Resume Store for segments previously downloaded with the
given --path and --sign, without fetching a fresh manifest or starting a
download. <output> is only used as the label of the printed line.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dest := args[0]
			if path == "" || sign == "" {
				return fmt.Errorf("--path and --sign are required to look up the resume key")
			}

			settings, err := config.LoadSettings(cfgFile)
			if err != nil {
				return fmt.Errorf("loading settings: %w", err)
			}
			dbPath, err := settings.ResolvedResumeDBPath()
			if err != nil {
				return fmt.Errorf("resolving resume database path: %w", err)
			}
			store, err := resume.Open(dbPath)
			if err != nil {
				return fmt.Errorf("opening resume store: %w", err)
			}
			defer store.Close()

			key := resume.Key(keyPrefix, path, sign)

			var cached manifest.Manifest
			found, err := store.GetManifest(key, &cached)
			if err != nil {
				return fmt.Errorf("reading manifest cache: %w", err)
			}
			if !found {
				fmt.Printf("%s: no resumable state found\n", dest)
				return nil
			}

			segmentSizeBytes := int64(settings.Transfer.SegmentSizeMB) * 1024 * 1024
			planMeta := manifest.PlanMetaFromManifest(&cached, segmentSizeBytes)

			segs, err := store.LoadSegments(key, planMeta.Signature())
			if err != nil {
				return fmt.Errorf("reading persisted segments: %w", err)
			}

			var downloaded int64
			for _, s := range segs {
				downloaded += int64(len(s.Data))
			}
			pct := 0.0
			if cached.TotalSize > 0 {
				pct = 100 * float64(downloaded) / float64(cached.TotalSize)
			}
			fmt.Printf("%s: %d %s persisted, %d/%d bytes (%.1f%%)\n",
				dest, len(segs), strutil.Pluralize("segment", int64(len(segs))), downloaded, cached.TotalSize, pct)
			return nil
		},
	}

	cmd.Flags().StringVar(&path, "path", "", "Signed path query parameter used for the original fetch")
	cmd.Flags().StringVar(&sign, "sign", "", "Signature query parameter used for the original fetch")
	return cmd
}
