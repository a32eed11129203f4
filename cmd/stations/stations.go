package stations

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/radiords/radiords/cmd/scan"
	"github.com/radiords/radiords/internal/conf"
	"github.com/radiords/radiords/internal/station"
)

// Command creates the stations command and its list and show subcommands.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stations",
		Short: "Inspect the station database",
	}
	cmd.AddCommand(listCommand(settings), showCommand(settings))
	return cmd
}

func listCommand(settings *conf.Settings) *cobra.Command {
	var rdsOnly, asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List known stations in frequency order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := station.Open(settings.Stations.Path)
			if err != nil {
				return err
			}
			list := db.All()
			if rdsOnly {
				list = db.StationsWithRDS()
			}
			if asJSON {
				if list == nil {
					list = []station.Station{}
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(list)
			}
			if len(list) == 0 {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "no stations known, run a scan first")
				return err
			}
			scan.PrintStations(cmd.OutOrStdout(), list)
			return nil
		},
	}

	cmd.Flags().BoolVar(&rdsOnly, "rds", false, "Only stations with RDS data")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func showCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "show <freq>",
		Short: "Show everything known about one station",
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
			db, err := station.Open(settings.Stations.Path)
			if err != nil {
				return err
			}
			st, ok := db.Get(freq)
			if !ok {
				return fmt.Errorf("no station known at %s MHz", conf.FormatMHz(freq))
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		},
	}
}
