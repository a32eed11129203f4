package rds

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/radiords/radiords/internal/app"
	"github.com/radiords/radiords/internal/arbiter"
	"github.com/radiords/radiords/internal/buildinfo"
	"github.com/radiords/radiords/internal/conf"
)

// Command creates the rds command: one metadata capture at a frequency,
// merged into the station database.
func Command(settings *conf.Settings, build *buildinfo.Context) *cobra.Command {
	var window time.Duration

	cmd := &cobra.Command{
		Use:   "rds <freq>",
		Short: "Capture RDS metadata from one station",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			band, err := settings.Band.ResolveBand()
			if err != nil {
				return err
			}
			freq, err := band.ParseMHz(args[0])
			if err != nil {
				return err
			}

			r, err := app.New(settings, build)
			if err != nil {
				return err
			}
			defer r.Close()

			lease, err := r.Arbiter.Acquire(arbiter.HolderRefresh)
			if err != nil {
				return err
			}
			defer func() { _ = r.Arbiter.Release(lease) }()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "listening on %s MHz for %s\n", conf.FormatMHz(freq), window)
			res, err := r.Decoder.Capture(cmd.Context(), freq, settings.SDR.GainDB, window)
			if err != nil {
				return err
			}
			updates := res.Interesting()
			if len(updates) == 0 {
				fmt.Fprintf(out, "no RDS data after %d lines\n", res.Lines)
				return nil
			}
			st, err := r.Stations.MergeAll(freq, updates)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, st.String())
			if now := st.NowPlaying(); now != "" {
				fmt.Fprintf(out, "now playing: %s\n", now)
			}
			if st.RadioText != nil {
				fmt.Fprintf(out, "radiotext: %s\n", *st.RadioText)
			}
			return nil
		},
	}

	cmd.Flags().DurationVarP(&window, "window", "w", time.Duration(settings.RDS.CaptureS)*time.Second, "How long to listen")
	return cmd
}
