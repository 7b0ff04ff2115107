package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ndtelles/Atticus/health"
)

func newStatusCommand() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the health of every device of a running instance",
		Long: `Status asks a running instance for its /health document and prints one
line per device and endpoint. The instance must have metrics enabled on at
least one device. The command fails when the instance reports unhealthy.`,
		Example: `  atticus status
  atticus status --addr 10.0.0.5:9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			status, err := fetchStatus(ctx, addr)
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), status)
			if status.IsUnhealthy() {
				return fmt.Errorf("%s is %s: %s", status.Component, status.Status, status.Message)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr",
		getEnv("ATTICUS_STATUS_ADDR", "localhost:9090"),
		"Metrics address of the running instance (env: ATTICUS_STATUS_ADDR)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "How long to wait for an answer")
	return cmd
}

// fetchStatus reads the health document served next to the metrics
func fetchStatus(ctx context.Context, addr string) (health.Status, error) {
	url := addr
	if !strings.Contains(url, "://") {
		url = "http://" + url
	}
	url = strings.TrimSuffix(url, "/") + "/health"

	var status health.Status
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return status, fmt.Errorf("build status request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return status, fmt.Errorf("query %s: %w", url, err)
	}
	defer resp.Body.Close()

	// unhealthy instances answer 503 with the same document
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return status, fmt.Errorf("query %s: unexpected status %s", url, resp.Status)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&status); err != nil {
		return status, fmt.Errorf("decode status from %s: %w", url, err)
	}
	return status, nil
}

func printStatus(w io.Writer, status health.Status) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "%s\t%s\t\t%s\n", status.Component, status.Status, status.Message)
	for _, dev := range status.SubStatuses {
		_, _ = fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", dev.Component, dev.Status, dev.State, dev.Message)
		for _, ep := range dev.SubStatuses {
			_, _ = fmt.Fprintf(tw, "    %s\t%s\t%s\t%s\n", ep.Component, ep.Status, ep.State, ep.Message)
		}
	}
	_ = tw.Flush()
}
