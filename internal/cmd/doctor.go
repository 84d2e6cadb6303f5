package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/textgate/textgate/internal/config"
	"github.com/textgate/textgate/internal/core/store"
	"github.com/textgate/textgate/internal/observability"
	"github.com/textgate/textgate/internal/relay/driver"
)

var (
	doctorSkipProbes   bool
	doctorProbeTimeout time.Duration
)

// probeTarget is an upstream endpoint the doctor command contacts.
type probeTarget struct {
	Name    string
	URL     string
	Headers map[string]string
}

// probeResult is the outcome of one probe. Any HTTP answer, including an
// error status, counts as reachable.
type probeResult struct {
	Name       string
	URL        string
	Reachable  bool
	StatusCode int
	Latency    time.Duration
	Err        error
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long:  "Run diagnostic checks on the runtime, configuration, stats backend and upstream reachability.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		logger := observability.CLILogger
		identity := GetAppIdentity()
		bannerName := "doctor"
		if identity != nil && identity.BinaryName != "" {
			bannerName = identity.BinaryName + " doctor"
		}
		logger.Info("=== " + bannerName + " ===")
		logger.Info("")

		allChecks := true
		totalChecks := 6

		goVersion := runtime.Version()
		logger.Info(fmt.Sprintf("[1/%d] Checking Go version... ✅ %s (%s/%s)", totalChecks, goVersion, runtime.GOOS, runtime.GOARCH),
			zap.String("go_version", goVersion))

		version := crucible.GetVersion()
		if version.Crucible != "" && version.Gofulmen != "" {
			logger.Info(fmt.Sprintf("[2/%d] Checking Gofulmen/Crucible... ✅ v%s / v%s", totalChecks, version.Gofulmen, version.Crucible))
		} else {
			logger.Warn(fmt.Sprintf("[2/%d] Checking Gofulmen/Crucible... ⚠️  version metadata unavailable", totalChecks))
			allChecks = false
		}

		if configPath := config.DefaultConfigPath(); configPath != "" {
			logger.Info(fmt.Sprintf("[3/%d] Checking config directory... ✅ %s", totalChecks, filepath.Dir(configPath)))
		} else {
			logger.Warn(fmt.Sprintf("[3/%d] Checking config directory... ⚠️  cannot resolve XDG config directory", totalChecks))
		}

		cfg, cfgErr := loadConfig(ctx)
		if cfgErr != nil {
			logger.Error(fmt.Sprintf("[4/%d] Checking configuration... ❌ invalid", totalChecks), zap.Error(cfgErr))
			logger.Warn(fmt.Sprintf("[5/%d] Checking stats backend... ⚠️  skipped (config not loaded)", totalChecks))
			logger.Warn(fmt.Sprintf("[6/%d] Checking upstreams... ⚠️  skipped (config not loaded)", totalChecks))
			logger.Warn("⚠️  Some checks failed. Review the output above for details.")
			return
		}
		source := config.ConfigFileUsed()
		if source == "" {
			source = "defaults + environment"
		}
		logger.Info(fmt.Sprintf("[4/%d] Checking configuration... ✅ %s (%s)", totalChecks, source, cfg.Summary()))
		if cfg.ZeroGPT.Cookie == "" {
			logger.Warn("       No ZeroGPT cookie configured; detection requests may be rejected upstream.")
		}

		stats, err := store.Open(ctx, cfg.RateLimit.Stats)
		if err != nil {
			logger.Warn(fmt.Sprintf("[5/%d] Checking stats backend... ⚠️  %s unavailable", totalChecks, cfg.RateLimit.Stats.Driver), zap.Error(err))
			allChecks = false
		} else {
			logger.Info(fmt.Sprintf("[5/%d] Checking stats backend... ✅ %s", totalChecks, stats.Driver()))
			_ = stats.Close()
		}

		if doctorSkipProbes {
			logger.Info(fmt.Sprintf("[6/%d] Checking upstreams... skipped (--skip-probes)", totalChecks))
		} else {
			results := probeUpstreams(ctx, http.DefaultClient, upstreamTargets(cfg), doctorProbeTimeout)
			reachable := 0
			for _, res := range results {
				if res.Reachable {
					reachable++
				}
			}
			if reachable == len(results) {
				logger.Info(fmt.Sprintf("[6/%d] Checking upstreams... ✅ %d/%d reachable", totalChecks, reachable, len(results)))
			} else {
				logger.Warn(fmt.Sprintf("[6/%d] Checking upstreams... ⚠️  %d/%d reachable", totalChecks, reachable, len(results)))
				allChecks = false
			}
			renderProbes(cmd.OutOrStdout(), results)
		}

		logger.Info("")
		if allChecks {
			logger.Info("✅ All checks passed!")
		} else {
			logger.Warn("⚠️  Some checks failed. Review the output above for details.")
		}
		logger.Info("=== End Diagnostics ===")
	},
}

func upstreamTargets(cfg *config.Config) []probeTarget {
	return []probeTarget{
		{Name: "gradio join", URL: cfg.Gradio.JoinURL, Headers: cfg.Gradio.Headers},
		{Name: "gradio data", URL: cfg.Gradio.DataURL, Headers: cfg.Gradio.Headers},
		{Name: "zerogpt", URL: cfg.ZeroGPT.URL, Headers: cfg.ZeroGPT.Headers},
	}
}

// probeUpstreams sends a HEAD request to every target concurrently. Results
// are sorted by name.
func probeUpstreams(ctx context.Context, client *http.Client, targets []probeTarget, timeout time.Duration) []probeResult {
	p := pool.NewWithResults[probeResult]().WithMaxGoroutines(4)
	for _, target := range targets {
		p.Go(func() probeResult {
			return probe(ctx, client, target, timeout)
		})
	}
	results := p.Wait()
	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	return results
}

func probe(ctx context.Context, client *http.Client, target probeTarget, timeout time.Duration) probeResult {
	res := probeResult{Name: target.Name, URL: target.URL}
	if target.URL == "" {
		res.Err = errors.New("not configured")
		return res
	}

	start := time.Now()
	reply, err := driver.Do(ctx, driver.Call{
		Driver:     target.Name,
		Operation:  "probe",
		Method:     http.MethodHead,
		URL:        target.URL,
		Headers:    target.Headers,
		HTTPClient: client,
		Timeout:    timeout,
	})
	res.Latency = time.Since(start)

	var perr *driver.ProviderError
	switch {
	case err == nil:
		res.Reachable = true
		res.StatusCode = reply.StatusCode
	case errors.As(err, &perr) && perr.StatusCode > 0:
		res.Reachable = true
		res.StatusCode = perr.StatusCode
	default:
		res.Err = err
	}
	return res
}

func renderProbes(w io.Writer, results []probeResult) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Upstream", "Status", "HTTP", "Latency", "URL"})
	for _, res := range results {
		status := "✅ reachable"
		code := fmt.Sprint(res.StatusCode)
		if !res.Reachable {
			status = "❌ " + res.Err.Error()
			code = "-"
		}
		t.AppendRow(table.Row{res.Name, status, code, res.Latency.Round(time.Millisecond), redactURL(res.URL)})
	}
	t.Render()
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().BoolVar(&doctorSkipProbes, "skip-probes", false, "skip upstream reachability probes")
	doctorCmd.Flags().DurationVar(&doctorProbeTimeout, "probe-timeout", 5*time.Second, "timeout per upstream probe")
}
