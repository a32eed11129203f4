package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/radiords/radiords/cmd/doctor"
	"github.com/radiords/radiords/cmd/play"
	"github.com/radiords/radiords/cmd/rds"
	"github.com/radiords/radiords/cmd/scan"
	"github.com/radiords/radiords/cmd/stations"
	"github.com/radiords/radiords/cmd/version"
	"github.com/radiords/radiords/internal/app"
	"github.com/radiords/radiords/internal/buildinfo"
	"github.com/radiords/radiords/internal/conf"
)

// RootCommand creates and returns the root command
func RootCommand(settings *conf.Settings, build *buildinfo.Context) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "radiords",
		Short:         "FM radio player, recorder and RDS scanner for RTL-SDR receivers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Set up the global flags for the root command.
	if err := setupFlags(rootCmd, settings); err != nil {
		panic(err)
	}

	versionCmd := version.Command(build)
	rootCmd.AddCommand(
		play.Command(settings, build),
		scan.Command(settings, build),
		stations.Command(settings),
		rds.Command(settings, build),
		doctor.Command(settings, build),
		versionCmd,
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		// version prints build metadata only
		if cmd.Name() == versionCmd.Name() {
			return nil
		}
		return initialize(settings, build)
	}

	return rootCmd
}

// initialize runs after flags are parsed and before any subcommand.
func initialize(settings *conf.Settings, build *buildinfo.Context) error {
	conf.NormalizeSettings(settings)
	if err := conf.ValidateSettings(settings); err != nil {
		return err
	}
	if _, err := app.InitLogging(settings); err != nil {
		return err
	}
	app.InitTelemetry(settings, build)
	return nil
}

// setupFlags defines flags that are global to the command line interface.
// Defaults come from the loaded settings so flags only override.
func setupFlags(rootCmd *cobra.Command, settings *conf.Settings) error {
	rootCmd.PersistentFlags().BoolVarP(&settings.Debug, "debug", "d", settings.Debug, "Enable debug output")
	rootCmd.PersistentFlags().IntVar(&settings.SDR.DeviceIndex, "device", settings.SDR.DeviceIndex, "RTL-SDR device index")
	rootCmd.PersistentFlags().Float64VarP(&settings.SDR.GainDB, "gain", "g", settings.SDR.GainDB, "Tuner gain in dB, 0 to 49.6")
	rootCmd.PersistentFlags().IntVar(&settings.SDR.PPM, "ppm", settings.SDR.PPM, "Frequency correction in ppm")
	rootCmd.PersistentFlags().StringVar(&settings.Band.Preset, "band", settings.Band.Preset, "Band preset for scans and tuning")
	rootCmd.PersistentFlags().StringVar(&settings.Stations.Path, "stations", settings.Stations.Path, "Path to the station database")

	// Bind flags to their configuration keys so viper reports effective values.
	for key, flag := range map[string]string{
		"debug":            "debug",
		"sdr.device_index": "device",
		"sdr.gain_db":      "gain",
		"sdr.ppm":          "ppm",
		"band.preset":      "band",
		"stations.path":    "stations",
	} {
		if err := viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			return fmt.Errorf("error binding flag %s: %w", flag, err)
		}
	}

	return nil
}
