package cmd

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/fulmenhq/gofulmen/ascii"
	"github.com/spf13/cobra"

	"github.com/textgate/textgate/internal/core"
	"github.com/textgate/textgate/internal/core/store"
)

var rateLimitStatsFormat string

var rateLimitCmd = &cobra.Command{
	Use:   "rate-limit",
	Short: "Inspect rate limit configuration and admission statistics",
}

var rateLimitShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective per-category limits",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd.Context())
		if err != nil {
			return err
		}

		limits := cfg.RateLimits()
		categories := make([]string, 0, len(limits))
		for category := range limits {
			categories = append(categories, string(category))
		}
		sort.Strings(categories)

		lines := []string{"Rate Limits", ""}
		for _, name := range categories {
			limit := limits[core.Category(name)]
			lines = append(lines, fmt.Sprintf("%s: %d requests / %s", name, limit.RequestsPerWindow, limit.WindowDuration))
		}
		_, _ = fmt.Fprint(cmd.OutOrStdout(), ascii.DrawBox(strings.Join(lines, "\n"), 0))
		return nil
	},
}

var rateLimitStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show allowed/denied totals from the configured stats store",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd.Context())
		if err != nil {
			return err
		}

		stats, err := store.Open(cmd.Context(), cfg.RateLimit.Stats)
		if err != nil {
			return err
		}
		defer stats.Close() // nolint:errcheck // best-effort cleanup

		totals, err := stats.Totals(cmd.Context())
		if err != nil {
			return err
		}

		switch strings.ToLower(strings.TrimSpace(rateLimitStatsFormat)) {
		case "json":
			payload, err := json.MarshalIndent(map[string]any{
				"driver":  stats.Driver(),
				"allowed": totals.Allowed,
				"denied":  totals.Denied,
			}, "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(payload))
			return err
		case "", "table":
			lines := []string{
				"Admission Stats",
				"",
				"driver:  " + stats.Driver(),
				fmt.Sprintf("allowed: %d", totals.Allowed),
				fmt.Sprintf("denied:  %d", totals.Denied),
			}
			if stats.Driver() != store.DriverRedis {
				lines = append(lines, "", "(only the redis driver persists stats across processes)")
			}
			_, _ = fmt.Fprint(cmd.OutOrStdout(), ascii.DrawBox(strings.Join(lines, "\n"), 0))
			return nil
		default:
			return fmt.Errorf("unsupported output format: %s", rateLimitStatsFormat)
		}
	},
}

func init() {
	rateLimitStatsCmd.Flags().StringVar(&rateLimitStatsFormat, "output-format", "table", "Output format: table|json")

	rateLimitCmd.AddCommand(rateLimitShowCmd)
	rateLimitCmd.AddCommand(rateLimitStatsCmd)
	rootCmd.AddCommand(rateLimitCmd)
}
