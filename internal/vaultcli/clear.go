package vaultcli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rescale/rescale-int/internal/config"
	"github.com/rescale/rescale-int/internal/resume"
)

func newClearCmd() *cobra.Command {
	var path, sign string

	cmd := &cobra.Command{
		Use:   "clear <output>",
		Short: "Delete Resume Store entries for a --path/--sign pair",
		Long:  `Wipes the manifest cache, persisted segments, and sink handle stored for the given --path and --sign, forcing the next fetch of them to restart from scratch. <output> is only used as the label of the printed line.`,
		Args:  cobra.ExactArgs(1),
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
			if err := store.ClearKey(key); err != nil {
				return fmt.Errorf("clearing resume state: %w", err)
			}
			fmt.Printf("%s: cleared\n", dest)
			return nil
		},
	}

	cmd.Flags().StringVar(&path, "path", "", "Signed path query parameter used for the original fetch")
	cmd.Flags().StringVar(&sign, "sign", "", "Signature query parameter used for the original fetch")
	return cmd
}
