package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/jasonkneen/claudesky-sub000/internal/config"
	"github.com/jasonkneen/claudesky-sub000/internal/daemon"
)

type statusReport struct {
	Version   string         `json:"version"`
	ClientID  string         `json:"client_id"`
	Interface string         `json:"interface"`
	Listen    string         `json:"listen"`
	CLIPath   string         `json:"cli_path"`
	Model     string         `json:"model_preference"`
	Reasoning string         `json:"reasoning"`
	Approvals string         `json:"approvals_path"`
	Running   bool           `json:"running"`
	Live      *daemon.Status `json:"live,omitempty"`
	Error     string         `json:"error,omitempty"`
}

func newStatusCmd(configPath *string) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show configuration and the running daemon's status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(*configPath)
			if err != nil {
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), map[string]string{"error": err.Error()})
				}
				return err
			}

			report := statusReport{
				Version:   daemon.Version,
				ClientID:  cfg.Client.ID,
				Interface: cfg.Interface.WSURL,
				Listen:    cfg.HTTP.Listen,
				CLIPath:   cfg.Agent.CLIPath,
				Model:     cfg.Agent.ModelPreference,
				Reasoning: cfg.Agent.Reasoning,
				Approvals: cfg.Approvals.Path,
			}
			live, err := fetchStatus(cmd.Context(), "http://"+cfg.HTTP.Listen+"/v1/status")
			if err != nil {
				report.Error = err.Error()
			} else {
				report.Running = true
				report.Live = live
			}

			if asJSON {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			printStatus(cmd.OutOrStdout(), report)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output in JSON format")
	return cmd
}

func fetchStatus(ctx context.Context, url string) (*daemon.Status, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("daemon not reachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status endpoint returned %s", resp.Status)
	}
	var st daemon.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &st, nil
}

func printStatus(w io.Writer, r statusReport) {
	fmt.Fprintf(w, "Claudesky Status\n")
	fmt.Fprintf(w, "================\n")
	fmt.Fprintf(w, "Version:       %s\n", r.Version)
	fmt.Fprintf(w, "Client ID:     %s\n", r.ClientID)
	fmt.Fprintf(w, "Interface:     %s\n", r.Interface)
	fmt.Fprintf(w, "HTTP Listen:   %s\n", r.Listen)
	fmt.Fprintf(w, "Claude CLI:    %s\n", r.CLIPath)
	fmt.Fprintf(w, "Model:         %s\n", r.Model)
	fmt.Fprintf(w, "Reasoning:     %s\n", r.Reasoning)
	fmt.Fprintf(w, "Approvals:     %s\n", r.Approvals)
	fmt.Fprintf(w, "Running:       %v\n", r.Running)
	if r.Error != "" {
		fmt.Fprintf(w, "Error:         %s\n", r.Error)
	}
	if r.Live == nil {
		return
	}
	s := r.Live.Session
	fmt.Fprintf(w, "\nSession:\n")
	fmt.Fprintf(w, "  State:       %s\n", s.State)
	if s.SessionID != "" {
		fmt.Fprintf(w, "  Session ID:  %s\n", s.SessionID)
	}
	if s.Model != "" {
		fmt.Fprintf(w, "  Model:       %s (budget %d)\n", s.Model, s.ThinkingBudget)
	}
	if s.Resume != "" {
		fmt.Fprintf(w, "  Resume:      %s\n", s.Resume)
	}
	fmt.Fprintf(w, "  Queue:       %d\n", s.QueueDepth)
	fmt.Fprintf(w, "  Approvals:   %d pending\n", s.PendingApprovals)
	if s.Usage != nil {
		fmt.Fprintf(w, "  Tokens:      %d (cost %d¢)\n", s.Usage.TotalTokens(), s.Usage.CostCents)
	}
	if s.LastError != "" {
		fmt.Fprintf(w, "  Last error:  %s\n", s.LastError)
	}
	ec := r.Live.EventChannel
	fmt.Fprintf(w, "\nEvent channel:\n")
	fmt.Fprintf(w, "  Connected:   %v\n", ec.Connected)
	fmt.Fprintf(w, "  Acked seq:   %d\n", ec.LastAckedSeq)
	fmt.Fprintf(w, "  Unacked:     %d\n", ec.Unacked)
}

func writeJSON(w io.Writer, data any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}
