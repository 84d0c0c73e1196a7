package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"deskflow/internal/services"

	"github.com/spf13/cobra"
)

var slaCmd = &cobra.Command{
	Use:   "sla",
	Short: "SLA maintenance commands",
}

var slaSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one SLA sweep now and print the report",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withContainer(cmd.Context(), func(ctx context.Context, c *services.Container) (any, error) {
			return c.SLA.Sweep(ctx)
		})
	},
}

var slaStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print SLA compliance statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withContainer(cmd.Context(), func(ctx context.Context, c *services.Container) (any, error) {
			return c.SLA.Stats(ctx)
		})
	},
}

func init() {
	slaCmd.AddCommand(slaSweepCmd, slaStatsCmd)
	rootCmd.AddCommand(slaCmd)
}

// withContainer builds the service graph for a one-shot command and prints
// whatever fn returns as JSON.
func withContainer(ctx context.Context, fn func(context.Context, *services.Container) (any, error)) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	rdb := newRedis(cfg)
	if rdb != nil {
		defer rdb.Close()
	}
	c, err := buildContainer(cfg, db, rdb)
	if err != nil {
		return err
	}
	out, err := fn(ctx, c)
	if err != nil {
		return err
	}
	return printJSON(out)
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
