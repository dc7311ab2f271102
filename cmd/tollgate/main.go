package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/tollgate-ai/tollgate/internal/config"
	"github.com/tollgate-ai/tollgate/internal/database"
	"github.com/tollgate-ai/tollgate/internal/models"
)

var (
	dbURL      string
	outputJSON bool
)

func main() {
	_ = godotenv.Load()

	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tollgate",
		Short: "Tollgate management CLI",
		Long:  "Manage Tollgate budgets and validate gateway configuration against the database.",
	}

	rootCmd.PersistentFlags().StringVar(&dbURL, "db-url", os.Getenv("DATABASE_URL"), "database URL")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")

	rootCmd.AddCommand(newBudgetCommand())
	rootCmd.AddCommand(newConfigCommand())

	return rootCmd
}

func openDB() (*gorm.DB, error) {
	if dbURL == "" {
		return nil, fmt.Errorf("database URL required (--db-url or DATABASE_URL)")
	}
	return gorm.Open(postgres.Open(dbURL), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
}

func newBudgetCommand() *cobra.Command {
	budgetCmd := &cobra.Command{
		Use:   "budget",
		Short: "Manage user budgets",
	}

	var total, daily, monthly float64
	setCmd := &cobra.Command{
		Use:   "set <tenant> <user>",
		Short: "Set a user's total budget and daily/monthly limits",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}

			budget := models.TokenBudget{
				TenantID:         args[0],
				UserID:           args[1],
				TotalBudget:      decimal.NewFromFloat(total),
				DailyLimit:       decimal.NewFromFloat(daily),
				MonthlyLimit:     decimal.NewFromFloat(monthly),
				LastDailyReset:   time.Now(),
				LastMonthlyReset: time.Now(),
			}
			err = db.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "tenant_id"}, {Name: "user_id"}},
				DoUpdates: clause.Assignments(map[string]any{
					"total_budget":  budget.TotalBudget,
					"daily_limit":   budget.DailyLimit,
					"monthly_limit": budget.MonthlyLimit,
					"updated_at":    time.Now(),
				}),
			}).Create(&budget).Error
			if err != nil {
				return fmt.Errorf("failed to set budget: %w", err)
			}

			fmt.Printf("Budget set for %s/%s: total $%.2f, daily $%.2f, monthly $%.2f\n", args[0], args[1], total, daily, monthly)
			return nil
		},
	}
	setCmd.Flags().Float64Var(&total, "total", 10, "total budget in USD (never resets)")
	setCmd.Flags().Float64Var(&daily, "daily", 10, "daily limit in USD (0 = uncapped)")
	setCmd.Flags().Float64Var(&monthly, "monthly", 300, "monthly limit in USD (0 = uncapped)")

	showCmd := &cobra.Command{
		Use:   "show <tenant> <user>",
		Short: "Show a user's budget and current spend",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}

			var budget models.TokenBudget
			err = db.Where("tenant_id = ? AND user_id = ?", args[0], args[1]).First(&budget).Error
			if err != nil {
				return fmt.Errorf("budget not found for %s/%s: %w", args[0], args[1], err)
			}

			if outputJSON {
				return json.NewEncoder(os.Stdout).Encode(budget)
			}

			fmt.Printf("Tenant:        %s\n", budget.TenantID)
			fmt.Printf("User:          %s\n", budget.UserID)
			fmt.Printf("Total:         $%s / $%s (%.1f%%, remaining $%s)\n",
				budget.UsedBudget.StringFixed(4), budget.TotalBudget.StringFixed(2),
				budget.TotalUsagePercent(), budget.Remaining().StringFixed(4))
			fmt.Printf("Daily:         $%s / $%s (%.1f%%)\n",
				budget.UsedDaily.StringFixed(4), budget.DailyLimit.StringFixed(2), budget.DailyUsagePercent())
			fmt.Printf("Monthly:       $%s / $%s (%.1f%%)\n",
				budget.UsedMonthly.StringFixed(4), budget.MonthlyLimit.StringFixed(2), budget.MonthlyUsagePercent())
			fmt.Printf("Daily reset:   %s\n", budget.LastDailyReset.Format(time.RFC3339))
			fmt.Printf("Monthly reset: %s\n", budget.LastMonthlyReset.Format(time.RFC3339))
			return nil
		},
	}

	budgetCmd.AddCommand(setCmd, showCmd)
	return budgetCmd
}

func newConfigCommand() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}

	var configPath string
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration and check store connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("configuration invalid: %w", err)
			}
			fmt.Println("Configuration: OK")

			if cfg.Database.URL != "" {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := database.TestConnection(ctx, &database.Config{DSN: cfg.Database.URL}); err != nil {
					return fmt.Errorf("database unreachable: %w", err)
				}
				fmt.Println("Database: OK")
			}

			fmt.Printf("Providers: %d configured\n", len(cfg.Providers))
			return nil
		},
	}
	validateCmd.Flags().StringVar(&configPath, "config", "", "config file directory")

	configCmd.AddCommand(validateCmd)
	return configCmd
}
