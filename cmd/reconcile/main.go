// Command reconcile reports calendar events that were created for bookings
// that never committed, and optionally deletes them.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hackgods/turnos/internal/calendar"
	"github.com/hackgods/turnos/internal/config"
	"github.com/hackgods/turnos/internal/db"
	"github.com/hackgods/turnos/internal/logger"
	"github.com/hackgods/turnos/internal/pricing"
	"github.com/hackgods/turnos/internal/turno"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		apply bool
		watch time.Duration
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "List and clean up orphaned calendar events",
		Long: "Lists CALENDAR_EVENT_ORPHANED incidents that were not reconciled yet.\n" +
			"With --apply, events no slot references are deleted from the calendar.\n" +
			"With --watch, the run repeats on that interval until interrupted.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), apply, watch)
		},
	}
	cmd.Flags().BoolVar(&apply, "apply", false, "delete unreferenced events instead of only reporting them")
	cmd.Flags().DurationVar(&watch, "watch", 0, "repeat every interval, e.g. 10m (0 runs once)")
	return cmd
}

func run(parent context.Context, apply bool, watch time.Duration) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	if cfg.GoogleCredentialsFile == "" {
		return fmt.Errorf("GOOGLE_CREDENTIALS_FILE is required")
	}

	log, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	if parent == nil {
		parent = context.Background()
	}
	rootCtx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := db.OpenStore(rootCtx, cfg, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	cal, err := calendar.NewGoogleGateway(rootCtx, cfg.GoogleCalendarID, calendar.CredentialOptions(cfg.GoogleCredentialsFile)...)
	if err != nil {
		return fmt.Errorf("google calendar: %w", err)
	}

	// Reconciling never talks to the payment provider.
	svc := turno.NewService(store.Repo, cal, nil, nil,
		pricing.NewPolicy(cfg.BasePrice, cfg.ReservationDiscounts, cfg.CheckoutDiscounts),
		turno.Settings{Location: cfg.Location(), TimeZone: cfg.TimeZone}, log)

	if err := runOnce(rootCtx, svc, apply, log); err != nil {
		return err
	}
	if watch <= 0 {
		return nil
	}

	ticker := time.NewTicker(watch)
	defer ticker.Stop()
	for {
		select {
		case <-rootCtx.Done():
			log.Info("shutdown signal received, stopping reconcile")
			return nil
		case <-ticker.C:
			if err := runOnce(rootCtx, svc, apply, log); err != nil {
				log.Error("reconcile run failed", zap.Error(err))
			}
		}
	}
}

func runOnce(ctx context.Context, svc *turno.Service, apply bool, log *zap.Logger) error {
	runCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	start := time.Now()
	report, err := svc.ReconcileOrphans(runCtx, apply)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	printReport(report)
	log.Info("reconcile run complete",
		zap.Bool("apply", apply),
		zap.Int("orphans", len(report)),
		zap.Duration("took", time.Since(start)),
	)
	return nil
}

func printReport(report []turno.OrphanedEvent) {
	if len(report) == 0 {
		fmt.Println("no orphaned calendar events")
		return
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CALENDAR EVENT\tSLOT\tRECORDED\tSTATUS\tERROR")
	for _, o := range report {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			o.CalendarEventID, o.SlotID, o.RecordedAt.Format(time.RFC3339), o.Status, o.Error)
	}
	_ = tw.Flush()
}
