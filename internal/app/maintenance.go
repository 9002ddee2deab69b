package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"smart-mail-sorter-go/internal/db"
	"smart-mail-sorter-go/internal/middleware"
	"smart-mail-sorter-go/internal/model"
	"smart-mail-sorter-go/internal/repository"
	"smart-mail-sorter-go/internal/repository/mongostore"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema or document indexes",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		if cfg.Database.Driver == "mongo" {
			client, err := mongostore.NewClient(cfg.Mongo.URI)
			if err != nil {
				return err
			}
			defer client.Disconnect(context.Background())
			if err := mongostore.New(client.Database(cfg.Mongo.Database)).EnsureIndexes(cmd.Context()); err != nil {
				return err
			}
			logrus.Info("Mongo indexes ensured")
			return nil
		}

		gdb, err := db.Open(cfg.Database)
		if err != nil {
			return err
		}
		defer closeSQL(gdb)()
		if err := db.Migrate(gdb); err != nil {
			return err
		}
		logrus.Info("Database schema migrated")
		return nil
	},
}

var (
	seedCustomerID string
	seedCredits    int
	seedTokenTTL   time.Duration
)

var defaultCategories = []model.Category{
	{Name: "Work", Description: "Projects, meetings and colleagues"},
	{Name: "Personal", Description: "Friends and family"},
	{Name: "Finance", Description: "Banking, invoices and receipts"},
	{Name: "Promotions", Description: "Marketing and newsletters"},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create a demo customer with categories and credits, and print an API token",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, _, closeStore, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		if err := seedCustomer(cmd.Context(), store, seedCustomerID, seedCredits); err != nil {
			return err
		}

		token, err := middleware.IssueToken(cfg.Auth.JWTSecret, seedCustomerID, seedTokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "customer: %s\ntoken: %s\n", seedCustomerID, token)
		return nil
	},
}

func init() {
	seedCmd.Flags().StringVar(&seedCustomerID, "customer", "demo-customer", "customer ID to create")
	seedCmd.Flags().IntVar(&seedCredits, "credits", 100, "credits granted to a newly created customer")
	seedCmd.Flags().DurationVar(&seedTokenTTL, "token-ttl", 24*time.Hour, "lifetime of the printed API token")
}

// seedCustomer creates the customer and its default categories. Existing
// rows are left untouched so seeding can be repeated.
func seedCustomer(ctx context.Context, store repository.Store, customerID string, credits int) error {
	existing, err := store.FindCustomer(ctx, customerID)
	if err != nil {
		return err
	}
	if existing == nil {
		customer := &model.Customer{
			ID:                      customerID,
			Name:                    customerID,
			Email:                   customerID + "@example.com",
			SubscriptionPlan:        "trial",
			IsActive:                true,
			CreditsRemaining:        credits,
			TotalCredits:            credits,
			WarningThresholdPercent: 80,
			ConfidenceThreshold:     0.7,
		}
		if err := store.CreateCustomer(ctx, customer); err != nil {
			return err
		}
		logrus.WithField("customer_id", customerID).Infof("Created customer with %d credits", credits)
	}

	for _, tmpl := range defaultCategories {
		category := tmpl
		category.CustomerID = customerID
		if err := store.CreateCategory(ctx, &category); err != nil && !errors.Is(err, repository.ErrDuplicate) {
			return err
		}
	}
	return nil
}
