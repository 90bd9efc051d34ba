package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/langchou/parkgate/internal/models"
	"github.com/langchou/parkgate/pkg/client"
)

func listCommand(a *app) *cobra.Command {
	var opts client.ListOptions

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List open parking logs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := a.api.List(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return a.printJSON(list)
		},
	}

	cmd.Flags().StringVar(&opts.CardID, "card", "", "Filter by card id")
	cmd.Flags().StringVar(&opts.LicensePlate, "plate", "", "Filter by license plate")
	cmd.Flags().StringVar(&opts.Search, "search", "", "Match plate or card id")
	cmd.Flags().StringVar(&opts.StartDate, "start", "", "Entry time lower bound (YYYY-MM-DD or RFC3339)")
	cmd.Flags().StringVar(&opts.EndDate, "end", "", "Entry time upper bound (YYYY-MM-DD or RFC3339)")
	cmd.Flags().IntVar(&opts.Page, "page", 1, "Page number")
	cmd.Flags().IntVar(&opts.Limit, "limit", models.DefaultLimit, "Page size")

	return cmd
}

func getCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a parking log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := a.api.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.printJSON(log)
		},
	}
}

func updateCommand(a *app) *cobra.Command {
	var (
		plate     string
		card      string
		entryTime string
	)

	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Correct the plate, card or entry time of a parking log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch models.ParkingLogPatch
			if cmd.Flags().Changed("plate") {
				patch.LicensePlate = &plate
			}
			if cmd.Flags().Changed("card") {
				patch.CardID = &card
			}
			if cmd.Flags().Changed("entry-time") {
				t, err := time.Parse(time.RFC3339, entryTime)
				if err != nil {
					return fmt.Errorf("invalid --entry-time: %w", err)
				}
				patch.EntryTime = &t
			}
			if patch.IsEmpty() {
				return fmt.Errorf("nothing to update, set --plate, --card or --entry-time")
			}

			log, err := a.api.Update(cmd.Context(), args[0], patch)
			if err != nil {
				return err
			}
			return a.printJSON(log)
		},
	}

	cmd.Flags().StringVar(&plate, "plate", "", "New license plate")
	cmd.Flags().StringVar(&card, "card", "", "New card id")
	cmd.Flags().StringVar(&entryTime, "entry-time", "", "New entry time (RFC3339)")

	return cmd
}

func statsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show occupancy statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := a.api.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return a.printJSON(stats)
		},
	}
}
