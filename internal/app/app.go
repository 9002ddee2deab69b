package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"smart-mail-sorter-go/internal/handler"
	"smart-mail-sorter-go/internal/router"
)

var rootCmd = &cobra.Command{
	Use:   "smart-mail-sorter",
	Short: "Connects customer mailboxes and sorts their mail into categories",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the sweep scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		return Run()
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Categorize mail for every connected customer once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		c, err := newContainer(cfg)
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		summary, err := c.scheduler.RunOnce(ctx)
		if err != nil {
			return fmt.Errorf("sweep failed: %w", err)
		}
		logrus.WithFields(logrus.Fields{
			"customers": summary.Customers,
			"processed": summary.Processed,
			"failed":    summary.Failed,
		}).Info("Sweep finished")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(seedCmd)
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Run initializes and starts the application
func Run() error {
	logrus.Info("Starting Smart Mail Sorter Service")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	c, err := newContainer(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	h := handler.NewHandlers(handler.Deps{
		Connections: c.manager,
		Providers:   c.providers,
		Ledger:      c.ledger,
		Pipeline:    c.pipeline,
		Scheduler:   c.scheduler,
		History:     c.store,
		Ping:        c.ping,
		FrontendURL: cfg.Server.FrontendURL,
	})
	r := router.SetupRouter(h, router.Options{
		JWTSecret:   cfg.Auth.JWTSecret,
		AdminAPIKey: cfg.Auth.AdminAPIKey,
		Gatherer:    c.registry,
	})
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	if cfg.Scheduler.Enabled {
		if err := c.scheduler.Start(); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	} else {
		logrus.Info("Scheduler disabled; sweeps run only on demand")
	}

	go func() {
		logrus.Infof("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatalf("HTTP server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := c.scheduler.Stop(); err != nil {
		logrus.Errorf("Failed to stop scheduler: %v", err)
	}
	c.scheduler.Wait()

	if err := srv.Shutdown(ctx); err != nil {
		logrus.Errorf("HTTP server shutdown error: %v", err)
	}

	logrus.Info("Server stopped gracefully")
	return nil
}
