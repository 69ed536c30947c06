package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"

	_ "courier/cmd/courier/docs"
	"courier/internal/archive"
	"courier/internal/config"
	"courier/internal/logger"
	"courier/internal/management"
	"courier/pkg/logging"
	"courier/pkg/models"
)

const defaultAPIURL = "http://localhost:8080"

var (
	configFile string
	apiURL     string
)

// @title           Courier Operator API
// @version         1.0
// @description     Publish events, manage routing rules, inspect queues and run archive replays

// @host      localhost:8080
// @BasePath  /api/v1

// @schemes   http https

func main() {
	rootCmd := &cobra.Command{
		Use:          "courier",
		Short:        "Event routing and reliable delivery engine",
		Long:         "Courier routes events from buses to queues, topics and external targets with retries, dead-letter queues and replay",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (or CONFIG_FILE)")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "", "Operator API base URL (or COURIER_API_URL)")

	rootCmd.AddCommand(
		serveCmd(),
		publishSamplesCmd(),
		redriveCmd(),
		replayCmd(),
		replayStatusCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine and the operator API",
		RunE: func(cmd *cobra.Command, args []string) error {
			earlyLog := logging.NewEarlyLog()

			if configFile == "" {
				configFile = os.Getenv("CONFIG_FILE")
				if configFile == "" {
					earlyLog.Error("Config file is required. Use --config flag or CONFIG_FILE environment variable")
					return fmt.Errorf("config file is required")
				}
			}

			cfg, err := config.LoadConfig(configFile)
			if err != nil {
				earlyLog.Error("Failed to load config: %v", err)
				return err
			}

			log, err := logger.New(cfg.Logging.Level, logger.WithFile(logger.FileOptions{
				Path:       cfg.Logging.File.Path,
				MaxSizeMB:  cfg.Logging.File.MaxSizeMB,
				MaxBackups: cfg.Logging.File.MaxBackups,
				MaxAgeDays: cfg.Logging.File.MaxAgeDays,
				Compress:   cfg.Logging.File.Compress,
			}))
			if err != nil {
				earlyLog.Error("Failed to init logger: %v", err)
				return err
			}
			defer log.Sync()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			log.InfowCtx(ctx, "Starting courier", "config", configFile)

			app := NewApp(cfg, log)
			if err := app.Initialize(ctx); err != nil {
				log.ErrorwCtx(ctx, "Failed to initialize application", "error", err)
				return err
			}

			if err := app.Run(ctx); err != nil {
				log.ErrorwCtx(ctx, "Application error", "error", err)
				return err
			}
			return nil
		},
	}
}

// resolveAPIURL prefers the flag, then COURIER_API_URL, then the config
// file's management.base_url.
func resolveAPIURL() string {
	if apiURL != "" {
		return apiURL
	}
	if env := os.Getenv("COURIER_API_URL"); env != "" {
		return env
	}
	file := configFile
	if file == "" {
		file = os.Getenv("CONFIG_FILE")
	}
	if file != "" {
		if cfg, err := config.LoadConfig(file); err == nil && cfg.Management.BaseURL != "" {
			return cfg.Management.BaseURL
		}
	}
	return defaultAPIURL
}

// sampleEvents are one order created, one failed payment and one shipment
// for the same order.
func sampleEvents(orderID string) []management.PublishEntry {
	return []management.PublishEntry{
		{
			Source: "app.orders",
			Type:   "OrderCreated",
			Payload: mustJSON(map[string]interface{}{
				"orderId":    orderID,
				"customerId": "C-5678",
				"value":      149.90,
				"currency":   "USD",
				"items":      []map[string]interface{}{{"productId": "P-123", "quantity": 2}},
			}),
		},
		{
			Source: "app.payments",
			Type:   "PaymentFailed",
			Payload: mustJSON(map[string]interface{}{
				"orderId":    orderID,
				"reason":     "INSUFFICIENT_FUNDS",
				"severity":   "critical",
				"retryCount": 2,
			}),
		},
		{
			Source: "app.shipping",
			Type:   "ShipmentCreated",
			Payload: mustJSON(map[string]interface{}{
				"orderId":           orderID,
				"carrier":           "DHL",
				"trackingId":        "TRK-" + shortID(),
				"estimatedDelivery": "2025-09-15",
			}),
		},
	}
}

func shortID() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

func publishSamplesCmd() *cobra.Command {
	var busName string
	cmd := &cobra.Command{
		Use:   "publish-samples",
		Short: "Publish the three sample order events",
		RunE: func(cmd *cobra.Command, args []string) error {
			orderID := "ORD-" + shortID()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Publishing to bus %s, order %s\n", busName, orderID)

			entries := sampleEvents(orderID)
			res, err := newAPIClient(resolveAPIURL()).Publish(cmd.Context(), busName, entries)
			if err != nil {
				return err
			}
			for i, entry := range res.Entries {
				if entry.ErrorCode != "" {
					fmt.Fprintf(out, "  failed    %s from %s: %s\n", entries[i].Type, entries[i].Source, entry.ErrorMessage)
					continue
				}
				fmt.Fprintf(out, "  published %s from %s: %s\n", entries[i].Type, entries[i].Source, entry.EventID)
			}
			if res.FailedEntryCount > 0 {
				return fmt.Errorf("%d of %d events failed", res.FailedEntryCount, len(entries))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&busName, "bus", "ecom-bus", "Bus to publish to")
	return cmd
}

func redriveCmd() *cobra.Command {
	var (
		target     string
		messageIDs []string
	)
	cmd := &cobra.Command{
		Use:   "redrive <dead-letter-queue>",
		Short: "Move dead-lettered messages back to a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := newAPIClient(resolveAPIURL()).Redrive(cmd.Context(), args[0], management.RedriveRequest{
				Target:     target,
				MessageIDs: messageIDs,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Moved %d message(s) out of %s\n", res.Moved, res.Queue)
			return nil
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "Destination queue (default: each message's source queue)")
	cmd.Flags().StringSliceVar(&messageIDs, "message-id", nil, "Only redrive these message IDs")
	return cmd
}

func replayCmd() *cobra.Command {
	var (
		busName   string
		targetBus string
		from      string
		to        string
		since     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay archived events into a bus",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := management.ReplayRequest{Bus: busName, TargetBus: targetBus}
			switch {
			case from != "":
				t, err := time.Parse(time.RFC3339, from)
				if err != nil {
					return fmt.Errorf("invalid --from: %w", err)
				}
				req.From = t
			case since > 0:
				req.From = time.Now().Add(-since)
			default:
				return fmt.Errorf("either --from or --since is required")
			}
			if to != "" {
				t, err := time.Parse(time.RFC3339, to)
				if err != nil {
					return fmt.Errorf("invalid --to: %w", err)
				}
				req.To = t
			}

			res, err := newAPIClient(resolveAPIURL()).StartReplay(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Replay %s started\n", res.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&busName, "bus", "ecom-bus", "Archived bus to replay")
	cmd.Flags().StringVar(&targetBus, "target-bus", "", "Bus to replay into (default: --bus)")
	cmd.Flags().StringVar(&from, "from", "", "Window start, RFC 3339")
	cmd.Flags().StringVar(&to, "to", "", "Window end, RFC 3339 (default: now)")
	cmd.Flags().DurationVar(&since, "since", 0, "Window start relative to now, e.g. 1h")
	return cmd
}

func replayStatusCmd() *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "replay-status <id>",
		Short: "Show the state of a replay job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(resolveAPIURL())
			for {
				job, err := client.Replay(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s: replayed %d from %s\n", job.ID, job.State, job.Replayed, job.Bus)
				if job.Error != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "  error: %s\n", job.Error)
				}
				if !wait || finished(job.State) {
					return nil
				}
				select {
				case <-cmd.Context().Done():
					return cmd.Context().Err()
				case <-time.After(time.Second):
				}
			}
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "Poll until the job finishes")
	return cmd
}

func finished(state archive.JobState) bool {
	switch state {
	case archive.JobCompleted, archive.JobFailed, archive.JobCancelled:
		return true
	}
	return false
}

func mustJSON(v interface{}) []byte {
	data, err := models.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
