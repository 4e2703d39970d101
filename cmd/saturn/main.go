// saturn is the operator CLI: start refreshes, poll run status, export run
// logs, or host the service in the foreground.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"saturn/internal/app"
	"saturn/internal/config"
	"saturn/internal/util"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "saturn",
		Short: "Portfolio analytics engine",
		Long:  "Saturn computes daily prices, exposures, valuations, and risk metrics for tracked portfolios.",
	}
	rootCmd.PersistentFlags().String("server", envOr("SATURN_SERVER", "http://localhost:8085"), "base URL of a running saturn-server")

	rootCmd.AddCommand(newRefreshCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newLogCommand())
	rootCmd.AddCommand(newServeCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newRefreshCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Start an analytics run",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, _ := cmd.Flags().GetString("server")
			portfolio, _ := cmd.Flags().GetString("portfolio")
			force, _ := cmd.Flags().GetBool("force")
			trigger, _ := cmd.Flags().GetString("trigger")
			watch, _ := cmd.Flags().GetBool("watch")

			body, _ := json.Marshal(map[string]any{
				"scope":       portfolio,
				"trigger":     trigger,
				"force":       force,
				"scoped_only": portfolio != "",
			})
			resp, err := http.Post(base+"/api/runs", "application/json", bytes.NewReader(body))
			if err != nil {
				return fmt.Errorf("contact server: %w", err)
			}
			defer resp.Body.Close()

			var started struct {
				RunID   string `json:"run_id"`
				Scope   string `json:"scope"`
				PollURL string `json:"poll_url"`
				Error   string `json:"error"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&started); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			if resp.StatusCode != http.StatusAccepted {
				return fmt.Errorf("server refused run (%d): %s", resp.StatusCode, started.Error)
			}
			fmt.Printf("run %s started (scope %s)\n", started.RunID, started.Scope)

			if watch {
				return watchRun(base, started.Scope)
			}
			return nil
		},
	}
	cmd.Flags().String("portfolio", "", "limit the run to one portfolio (default: all)")
	cmd.Flags().Bool("force", false, "replace an active run")
	cmd.Flags().String("trigger", "user", "trigger source to record (scheduled|admin|onboarding|user)")
	cmd.Flags().Bool("watch", false, "poll status until the run finishes")
	return cmd
}

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the current or most recent run",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, _ := cmd.Flags().GetString("server")
			scope, _ := cmd.Flags().GetString("scope")
			status, err := fetchStatus(base, scope)
			if err != nil {
				return err
			}
			printStatus(status)
			return nil
		},
	}
	cmd.Flags().String("scope", "", "scope to query (default: any)")
	return cmd
}

func newLogCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "log <run-id>",
		Short: "Export a run's full activity log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base, _ := cmd.Flags().GetString("server")
			resp, err := http.Get(base + "/api/runs/" + args[0] + "/log")
			if err != nil {
				return fmt.Errorf("contact server: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("server returned %d", resp.StatusCode)
			}
			_, err = io.Copy(os.Stdout, resp.Body)
			return err
		},
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the analytics service in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := envOr("SATURN_CONFIG", "config/saturn.yaml")
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
			util.SetDefault(logger)
			return app.Serve(cfg, logger)
		},
	}
}

// ---------------------------------------------------------------------------
// Status rendering
// ---------------------------------------------------------------------------

type statusPayload struct {
	State string `json:"state"`
	Run   struct {
		ID          string `json:"id"`
		Scope       string `json:"scope"`
		Status      string `json:"status"`
		StartedAt   string `json:"started_at"`
		CompletedAt string `json:"completed_at"`
		Processed   int    `json:"processed"`
		Failed      int    `json:"failed"`
		Unavailable int    `json:"unavailable"`
	} `json:"run"`
	Stages []struct {
		Name    string `json:"name"`
		Status  string `json:"status"`
		Current int    `json:"current"`
		Total   int    `json:"total"`
		Unit    string `json:"unit"`
	} `json:"stages"`
	Percent float64 `json:"percent"`
}

func fetchStatus(base, scope string) (*statusPayload, error) {
	url := base + "/api/runs/current"
	if scope != "" {
		url += "?scope=" + scope
	}
	resp, err := http.Get(url)
	if err != nil {
		return nil, fmt.Errorf("contact server: %w", err)
	}
	defer resp.Body.Close()

	var status statusPayload
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &status, nil
}

func printStatus(s *statusPayload) {
	if s.State == "not_found" {
		fmt.Println("no recent run")
		return
	}
	fmt.Printf("run %s  scope=%s  status=%s  %.0f%%\n", s.Run.ID, s.Run.Scope, s.Run.Status, s.Percent)
	for _, st := range s.Stages {
		fmt.Printf("  %-28s %-9s %d/%d %s\n", st.Name, st.Status, st.Current, st.Total, st.Unit)
	}
	fmt.Printf("  processed=%d failed=%d unavailable=%d\n", s.Run.Processed, s.Run.Failed, s.Run.Unavailable)
}

func watchRun(base, scope string) error {
	for {
		time.Sleep(2 * time.Second)
		status, err := fetchStatus(base, scope)
		if err != nil {
			return err
		}
		printStatus(status)
		if status.State != "running" {
			return nil
		}
	}
}
