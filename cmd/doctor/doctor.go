package doctor

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/radiords/radiords/internal/buildinfo"
	"github.com/radiords/radiords/internal/conf"
	"github.com/radiords/radiords/internal/diskmanager"
	"github.com/radiords/radiords/internal/mqtt"
	"github.com/radiords/radiords/internal/preflight"
	"github.com/radiords/radiords/internal/recorder"
	"github.com/radiords/radiords/internal/station"
)

// Report is everything the doctor command found.
type Report struct {
	Binaries   []preflight.Result
	MQTT       []mqtt.TestResult
	Stations   int
	Validation *buildinfo.ValidationResult
}

// Command creates the doctor command.
func Command(settings *conf.Settings, build *buildinfo.Context) *cobra.Command {
	var skipMQTT bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check external programs, the station database and MQTT",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var client mqtt.Client
			if settings.MQTT.Enabled && !skipMQTT {
				client = mqtt.NewClient(mqtt.ConfigFromSettings(settings), nil)
			}
			report := Check(cmd.Context(), settings, preflight.NewChecker(preflight.DefaultTTL), client)

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, build.String())
			Print(out, report)
			if !report.Validation.Valid {
				return fmt.Errorf("%d problems found", len(report.Validation.Errors))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&skipMQTT, "skip-mqtt", false, "Do not test the MQTT broker")
	return cmd
}

// Check runs every check. client may be nil to skip the broker test.
func Check(ctx context.Context, settings *conf.Settings, checker *preflight.Checker, client mqtt.Client) Report {
	v := buildinfo.NewValidationResult()
	report := Report{Validation: v}

	report.Binaries = checker.Report(preflight.KnownBinaries)

	required := map[string][]string{
		"demodulator pipeline": append(preflight.CommandBinaries(settings.DSP.Command), settings.DSP.Toolkit...),
		"playback":             preflight.CommandBinaries(settings.Playback.Command),
	}
	if settings.RDS.Enabled {
		required["RDS decoder"] = preflight.CommandBinaries(settings.RDS.DecoderCommand)
	}
	for _, feature := range slices.Sorted(maps.Keys(required)) {
		for _, name := range dedupe(required[feature]) {
			if _, err := checker.Lookup(name); err != nil {
				v.AddError("%s needs %q, which is not installed", feature, name)
			}
		}
	}

	if settings.Playback.VolumeCommand != "" {
		for _, name := range preflight.CommandBinaries(settings.Playback.VolumeCommand) {
			if _, err := checker.Lookup(name); err != nil {
				v.AddWarning("volume control needs %q, which is not installed", name)
			}
		}
	}
	if format, err := recorder.ParseFormat(settings.Recording.Format); err != nil {
		v.AddError("%v", err)
	} else if encoder := format.Encoder(); encoder != "" {
		if _, err := checker.Lookup(encoder); err != nil {
			v.AddWarning("%s recording needs %q, which is not installed", format, encoder)
		}
	}

	if r := settings.Recording.Retention; r.Policy == conf.RetentionUsage {
		if used, err := diskmanager.GetDiskUsage(settings.Recording.OutputDir); err == nil && used > r.MaxUsage {
			v.AddWarning("recording disk is %.0f%% full, retention will prune old recordings above %.0f%%", used, r.MaxUsage)
		}
	}

	db, err := station.Open(settings.Stations.Path)
	if err != nil {
		v.AddError("station database %s: %v", settings.Stations.Path, err)
	} else {
		report.Stations = db.Len()
		if report.Stations == 0 {
			v.AddWarning("station database is empty, run a scan")
		}
	}

	if client != nil {
		report.MQTT = mqtt.TestConnection(ctx, mqtt.ConfigFromSettings(settings), client)
		for _, r := range report.MQTT {
			if !r.Success {
				v.AddError("MQTT %s failed: %s", r.Stage, r.Error)
			}
		}
	}

	return report
}

// Print renders report as text.
func Print(w io.Writer, report Report) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROGRAM\tPURPOSE\tSTATUS")
	for _, b := range report.Binaries {
		status := "missing"
		if b.Found {
			status = b.Path
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", b.Name, b.Purpose, status)
	}
	_ = tw.Flush()

	fmt.Fprintf(w, "\nstations known: %d\n", report.Stations)
	for _, r := range report.MQTT {
		mark := "ok"
		if !r.Success {
			mark = "FAIL"
		}
		fmt.Fprintf(w, "mqtt %-20s %-4s %s\n", r.Stage, mark, r.Message)
	}

	for _, warning := range report.Validation.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warning)
	}
	for _, problem := range report.Validation.Errors {
		fmt.Fprintf(w, "error: %s\n", problem)
	}
	if !report.Validation.HasIssues() {
		fmt.Fprintln(w, "all checks passed")
	}
}

func dedupe(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if !slices.Contains(out, n) {
			out = append(out, n)
		}
	}
	return out
}
