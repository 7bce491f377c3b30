package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/limitd/limitd/internal/ratelimit/app"
	"github.com/limitd/limitd/internal/ratelimit/config"
	"github.com/limitd/limitd/internal/ratelimit/observability"
)

var (
	checkKey    string
	checkPolicy string
	checkCost   int64
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Evaluate one key against a policy and print the decision",
	RunE: func(cmd *cobra.Command, args []string) error {
		loader := config.NewLoader(cfgFile)
		cfg, err := loader.Load()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		application, err := app.NewApplication(ctx, cfg, app.Options{
			Logger: observability.NopLogger{},
		})
		if err != nil {
			return err
		}
		defer func() { _ = application.Store.Close() }()

		decision, err := application.Service.Check(ctx, checkKey, checkPolicy, checkCost)
		if err != nil {
			return err
		}
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(decision); err != nil {
			return err
		}
		if !decision.Allowed {
			os.Exit(2)
		}
		return nil
	},
}

func init() {
	checkCmd.Flags().StringVar(&checkKey, "key", "", "rate limit key, e.g. apikey:abc")
	checkCmd.Flags().StringVar(&checkPolicy, "policy", "", "policy id")
	checkCmd.Flags().Int64Var(&checkCost, "cost", 1, "units to charge")
	_ = checkCmd.MarkFlagRequired("key")
	_ = checkCmd.MarkFlagRequired("policy")
}
