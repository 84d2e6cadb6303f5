package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/textgate/textgate/internal/observability"
	"github.com/textgate/textgate/internal/relay"
)

var (
	queueAttempts int
	detectText    string
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Talk to the humanizer queue directly, without the HTTP server",
}

var queueJoinCmd = &cobra.Command{
	Use:   "join [payload.json|-]",
	Short: "Submit a queue-join payload and print the acknowledgment",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := readPayload(cmd.InOrStdin(), args)
		if err != nil {
			return err
		}
		svc, err := cliRelay(cmd)
		if err != nil {
			return err
		}
		ack, err := svc.Join(cmd.Context(), payload)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), ack)
	},
}

var queuePollCmd = &cobra.Command{
	Use:   "poll <session_hash>",
	Short: "Poll a session until it completes or the attempt budget runs out",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := cliRelay(cmd)
		if err != nil {
			return err
		}
		if queueAttempts > 0 {
			svc.Gradio.PollOptions.Attempts = queueAttempts
		}
		result, err := svc.QueueResult(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !result.Complete {
			_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "warning: attempt budget exhausted; result may be incomplete")
		}
		return printJSON(cmd.OutOrStdout(), result)
	},
}

var queueDataCmd = &cobra.Command{
	Use:   "data <session_hash>",
	Short: "Fetch the raw event stream lines for a session once",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := cliRelay(cmd)
		if err != nil {
			return err
		}
		lines, err := svc.QueueData(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		for _, line := range lines {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), line)
		}
		return nil
	},
}

var detectCmd = &cobra.Command{
	Use:   "detect [text]",
	Short: "Send text to the AI-detection backend and print the verdict",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := detectText
		if len(args) == 1 {
			text = args[0]
		}
		if strings.TrimSpace(text) == "" {
			raw, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return err
			}
			text = string(raw)
		}
		payload, err := json.Marshal(map[string]string{"input_text": text})
		if err != nil {
			return err
		}

		svc, err := cliRelay(cmd)
		if err != nil {
			return err
		}
		body, err := svc.Detect(cmd.Context(), payload)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), body)
	},
}

func cliRelay(cmd *cobra.Command) (*relay.Service, error) {
	cfg, err := loadConfig(cmd.Context())
	if err != nil {
		return nil, err
	}
	svc := relay.NewService(cfg)
	if observability.CLILogger != nil {
		svc.Logger = observability.CLILogger
	}
	return svc, nil
}

func readPayload(stdin io.Reader, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(args[0])
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	queuePollCmd.Flags().IntVar(&queueAttempts, "attempts", 0, "override the configured poll attempt budget")
	detectCmd.Flags().StringVar(&detectText, "text", "", "text to analyse (default: argument or stdin)")

	queueCmd.AddCommand(queueJoinCmd)
	queueCmd.AddCommand(queuePollCmd)
	queueCmd.AddCommand(queueDataCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(detectCmd)
}
