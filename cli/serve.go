package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/warp/credit-engine/api"
	"github.com/warp/credit-engine/billing"
	"github.com/warp/credit-engine/config"
	"github.com/warp/credit-engine/credits"
	"github.com/warp/credit-engine/rewards"
	"github.com/warp/credit-engine/usage"
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Int("port", 0, "HTTP port (overrides config)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Run the HTTP API with the payment webhooks, the background job
scheduler and, when an AMQP URL is configured, the usage event consumer.
Shuts down gracefully on SIGINT/SIGTERM.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, store, err := setup()
	if err != nil {
		return err
	}
	defer store.Close()

	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Server.Port = port
	}

	clock := credits.SystemClock
	handler := api.NewHandler(store, clock, log, rewards.Amounts{
		DailyStandard: cfg.Rewards.DailyStandard,
		DailyPremium:  cfg.Rewards.DailyPremium,
		FirstChat:     cfg.Rewards.FirstChat,
	})

	scheduler := api.NewScheduler(store, clock, log)
	scheduler.Enabled = cfg.Jobs.Enabled
	scheduler.Interval = cfg.Jobs.Interval.Duration
	scheduler.UsageBatchSize = cfg.Jobs.UsageBatchSize
	handler.Jobs = scheduler

	router := api.NewRouter(handler, routerOptions(cfg, handler, log))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	if cfg.AMQP.URL != "" {
		consumer := usage.NewConsumer(usage.ConsumerConfig{
			URL:     cfg.AMQP.URL,
			Queue:   cfg.AMQP.Queue,
			Workers: cfg.AMQP.Workers,
		}, handler.Usage, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.WithField("error", err).Error("usage consumer stopped")
			}
		}()
	}

	scheduler.Start()

	serveErr := make(chan error, 1)
	go func() {
		log.WithField("port", cfg.Server.Port).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			stop()
			scheduler.Stop()
			wg.Wait()
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithField("error", err).Error("server forced to shutdown")
	}
	scheduler.Stop()
	wg.Wait()

	log.Info("server stopped")
	return nil
}

func routerOptions(cfg config.Config, h *api.Handler, log logrus.FieldLogger) api.RouterOptions {
	opts := api.RouterOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		JWTSecret:      cfg.Auth.JWTSecret,
		Log:            log,
	}
	if cfg.Stripe.WebhookSecret != "" {
		opts.Stripe = billing.NewStripeWebhook(cfg.Stripe.WebhookSecret, h.Plans, h.Store, log)
	} else {
		log.Warn("stripe webhook secret not set, /webhooks/stripe disabled")
	}
	if cfg.PayPal.WebhookToken != "" {
		opts.PayPal = billing.NewPayPalWebhook(cfg.PayPal.WebhookToken, h.Plans, h.Store, log)
	} else {
		log.Warn("paypal webhook token not set, /webhooks/paypal disabled")
	}
	return opts
}
