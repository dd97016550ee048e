package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"qms/hospital-queue/internal/models"
	"qms/hospital-queue/internal/queue"
)

func statsCmd(configPath *string) *cobra.Command {
	var scope queue.StatsScope
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print queue statistics for a room or counter over a date range",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			svc, err := a.service()
			if err != nil {
				return err
			}
			stats, err := svc.Statistics(ctx, scope)
			if err != nil {
				return err
			}
			printStatistics(cmd.OutOrStdout(), stats)
			return nil
		},
	}
	cmd.Flags().Int64Var(&scope.RoomID, "room", 0, "room id (0 for all rooms)")
	cmd.Flags().Int64Var(&scope.CounterID, "counter", 0, "counter id (0 for all counters)")
	cmd.Flags().StringVar(&scope.FromDate, "from", "", "first queue date, YYYY-MM-DD (default today)")
	cmd.Flags().StringVar(&scope.ToDate, "to", "", "last queue date, YYYY-MM-DD (default --from)")
	return cmd
}

func printStatistics(w io.Writer, stats queue.Statistics) {
	header := color.New(color.Bold)
	header.Fprintf(w, "Queue statistics %s .. %s\n", stats.FromDate, stats.ToDate)
	if stats.RoomID != 0 {
		fmt.Fprintf(w, "  room:    %d\n", stats.RoomID)
	}
	if stats.CounterID != 0 {
		fmt.Fprintf(w, "  counter: %d\n", stats.CounterID)
	}
	fmt.Fprintf(w, "  total:   %d\n", stats.Total)
	for _, status := range models.Statuses {
		fmt.Fprintf(w, "  %-8s %s\n", status+":", statusColor(status).Sprint(stats.ByStatus[status]))
	}
	fmt.Fprintf(w, "  served:  %d\n", stats.Served)
	fmt.Fprintf(w, "  average waiting: %s\n", color.New(color.FgHiCyan).Sprintf("%.2f min", stats.AverageWaitingMinutes))
}

func statusColor(status string) *color.Color {
	switch status {
	case models.StatusWaiting:
		return color.New(color.FgYellow)
	case models.StatusCalled:
		return color.New(color.FgHiBlue)
	case models.StatusServing:
		return color.New(color.FgHiMagenta)
	case models.StatusCompleted:
		return color.New(color.FgHiGreen)
	case models.StatusCancelled:
		return color.New(color.FgRed)
	default:
		return color.New(color.FgWhite)
	}
}
