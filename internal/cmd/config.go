package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/textgate/textgate/internal/config"
)

var configShowFormat string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the effective configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with credentials redacted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd.Context())
		if err != nil {
			return err
		}
		return writeConfig(cmd.OutOrStdout(), cfg.Redacted(), configShowFormat)
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file in use and the default location",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := loadConfig(cmd.Context()); err != nil {
			return err
		}
		used := config.ConfigFileUsed()
		if used == "" {
			used = "(none; defaults + environment)"
		}
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "In use:  %s\n", used)
		_, _ = fmt.Fprintf(out, "Default: %s\n", config.DefaultConfigPath())
		return nil
	},
}

func writeConfig(w io.Writer, cfg *config.Config, format string) error {
	tree, err := configTree(cfg)
	if err != nil {
		return err
	}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(tree); err != nil {
			return err
		}
		return enc.Close()
	case "json":
		payload, err := json.MarshalIndent(tree, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(payload))
		return err
	case "", "table":
		t := table.NewWriter()
		t.SetOutputMirror(w)
		t.SetStyle(table.StyleRounded)
		t.AppendHeader(table.Row{"Key", "Value"})
		flat := map[string]string{}
		flatten("", tree, flat)
		keys := make([]string, 0, len(flat))
		for k := range flat {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			t.AppendRow(table.Row{k, flat[k]})
		}
		t.Render()
		return nil
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}
}

// configTree converts cfg into nested maps keyed by the config file names.
// Durations are rendered as strings.
func configTree(cfg *config.Config) (map[string]any, error) {
	tree := map[string]any{}
	if err := mapstructure.Decode(cfg, &tree); err != nil {
		return nil, err
	}
	normalized, _ := normalize(tree).(map[string]any)
	return normalized, nil
}

func normalize(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case time.Duration:
		return v.String()
	case map[string]any:
		for k, child := range v {
			v[k] = normalize(child)
		}
		return v
	case map[string]string, []string, string, bool, int, int64, float64:
		return v
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Struct:
		m := map[string]any{}
		if err := mapstructure.Decode(value, &m); err != nil {
			return fmt.Sprint(value)
		}
		return normalize(m)
	case reflect.Map:
		m := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[fmt.Sprint(iter.Key().Interface())] = normalize(iter.Value().Interface())
		}
		return m
	}
	return value
}

func flatten(prefix string, value any, out map[string]string) {
	switch v := value.(type) {
	case map[string]any:
		if len(v) == 0 && prefix != "" {
			out[prefix] = "{}"
		}
		for k, child := range v {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			flatten(key, child, out)
		}
	case map[string]string:
		converted := make(map[string]any, len(v))
		for k, s := range v {
			converted[k] = s
		}
		flatten(prefix, converted, out)
	case []string:
		out[prefix] = strings.Join(v, ", ")
	default:
		out[prefix] = fmt.Sprint(v)
	}
}

// redactURL drops the query string, which may carry session tokens.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = ""
	return u.String()
}

func init() {
	configShowCmd.Flags().StringVarP(&configShowFormat, "format", "f", "table", "Output format: table|yaml|json")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
	rootCmd.AddCommand(configCmd)
}
