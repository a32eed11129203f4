package scan

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/radiords/radiords/internal/app"
	"github.com/radiords/radiords/internal/buildinfo"
	"github.com/radiords/radiords/internal/conf"
	"github.com/radiords/radiords/internal/scanner"
	"github.com/radiords/radiords/internal/station"
)

// Command creates the scan command.
func Command(settings *conf.Settings, build *buildinfo.Context) *cobra.Command {
	var quiet bool

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan the band for stations broadcasting RDS",
		Long:  "Visit every channel of the configured band, capture RDS at each and merge what is found into the station database. Ctrl+C stops after the current channel.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := app.New(settings, build)
			if err != nil {
				return err
			}
			if !quiet {
				if err := r.Events.RegisterConsumer(app.NewConsole(cmd.OutOrStdout())); err != nil {
					_ = r.Close()
					return err
				}
			}

			// The first signal stops after the channel being captured.
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				r.Scanner.Cancel()
			}()

			report, scanErr := r.Scanner.Scan(ctx)
			closeErr := r.Close()
			if scanErr != nil {
				return scanErr
			}
			printReport(cmd.OutOrStdout(), report)
			return closeErr
		},
	}

	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Print only the final station list")
	cmd.Flags().IntVar(&settings.RDS.ScanCaptureS, "capture", settings.RDS.ScanCaptureS, "Seconds to listen for RDS on each channel")

	return cmd
}

func printReport(w io.Writer, report scanner.Report) {
	fmt.Fprintf(w, "\n%s: %d of %d channels carried RDS", report.Band, len(report.Found), len(report.Visited))
	if report.Failed > 0 {
		fmt.Fprintf(w, ", %d failed", report.Failed)
	}
	if report.Canceled {
		fmt.Fprint(w, " (canceled)")
	}
	fmt.Fprintln(w)
	if len(report.Found) > 0 {
		PrintStations(w, report.Found)
	}
}

// PrintStations writes a station table.
func PrintStations(w io.Writer, list []station.Station) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FREQ\tNAME\tPI\tTYPE\tSTEREO\tNOW PLAYING")
	for i := range list {
		st := &list[i]
		stereo := ""
		if st.Stereo {
			stereo = "yes"
		}
		fmt.Fprintf(tw, "%.1f\t%s\t%s\t%s\t%s\t%s\n",
			st.Freq, st.Name(), deref(st.PI), deref(st.ProgType), stereo, st.NowPlaying())
	}
	_ = tw.Flush()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
