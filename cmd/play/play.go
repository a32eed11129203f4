package play

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/radiords/radiords/internal/app"
	"github.com/radiords/radiords/internal/buildinfo"
	"github.com/radiords/radiords/internal/conf"
	"github.com/radiords/radiords/internal/logger"
)

// volumeTimeout bounds the initial mixer call.
const volumeTimeout = 5 * time.Second

// Command creates the play command: tune a station and play it until
// interrupted, with optional recording and background services.
func Command(settings *conf.Settings, build *buildinfo.Context) *cobra.Command {
	var record bool
	var volume int

	cmd := &cobra.Command{
		Use:   "play <freq>",
		Short: "Play an FM station until interrupted",
		Long:  "Tune the receiver to <freq> MHz and play it. RDS metadata is refreshed in the background; Ctrl+C stops playback and finalizes any recording.",
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

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cmd, settings, build, freq, record, volume)
		},
	}

	if err := setupFlags(cmd, settings, &record, &volume); err != nil {
		fmt.Printf("error setting up flags: %v\n", err)
		os.Exit(1)
	}

	return cmd
}

func run(ctx context.Context, cmd *cobra.Command, settings *conf.Settings, build *buildinfo.Context, freq float64, record bool, volume int) error {
	r, err := app.New(settings, build)
	if err != nil {
		return err
	}
	if err := r.Events.RegisterConsumer(app.NewConsole(cmd.OutOrStdout())); err != nil {
		_ = r.Close()
		return err
	}
	r.Start()

	if _, err := r.Player.Play(freq, settings.SDR.GainDB); err != nil {
		_ = r.Close()
		return err
	}

	log := app.GetLogger()
	if volume >= 0 {
		vctx, cancel := context.WithTimeout(ctx, volumeTimeout)
		if _, err := r.Player.SetVolume(vctx, volume); err != nil {
			log.Warn("volume not set", logger.Int("level", volume), logger.Error(err))
		}
		cancel()
	}
	if record {
		if _, err := r.Player.StartRecording(); err != nil {
			log.Warn("recording not started", logger.Error(err))
		}
	}

	return r.Run(ctx)
}

// setupFlags configures flags specific to the play command.
func setupFlags(cmd *cobra.Command, settings *conf.Settings, record *bool, volume *int) error {
	cmd.Flags().BoolVarP(record, "record", "r", false, "Record the station while playing")
	cmd.Flags().IntVar(volume, "volume", -1, "Set the mixer volume (0-100) before playing; -1 leaves it unchanged")
	cmd.Flags().StringVar(&settings.Recording.Format, "format", settings.Recording.Format, "Recording format: mp3, flac, ogg or wav")
	cmd.Flags().StringVar(&settings.Recording.OutputDir, "output", settings.Recording.OutputDir, "Directory for recordings")
	cmd.Flags().BoolVar(&settings.RDS.Enabled, "rds", settings.RDS.Enabled, "Refresh RDS metadata while playing")
	cmd.Flags().BoolVar(&settings.WebServer.Enabled, "http", settings.WebServer.Enabled, "Serve the status and control API")
	cmd.Flags().StringVar(&settings.WebServer.Listen, "listen", settings.WebServer.Listen, "Listen address of the API server")
	cmd.Flags().BoolVar(&settings.MQTT.Enabled, "mqtt", settings.MQTT.Enabled, "Publish station updates to MQTT")

	for key, flag := range map[string]string{
		"recording.format":     "format",
		"recording.output_dir": "output",
		"rds.enabled":          "rds",
		"webserver.enabled":    "http",
		"webserver.listen":     "listen",
		"mqtt.enabled":         "mqtt",
	} {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return fmt.Errorf("error binding flag %s: %w", flag, err)
		}
	}

	return nil
}
