package main

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jasonkneen/claudesky-sub000/internal/config"
	"github.com/jasonkneen/claudesky-sub000/internal/credentials"
	"github.com/jasonkneen/claudesky-sub000/internal/permission"
)

func newApprovalsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "approvals [tool...]",
		Short: "Show the tool approval table and how tools would be decided",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			store := permission.NewStore(cfg.Approvals.Path, zerolog.Nop())
			if err := store.Reload(); err != nil {
				return err
			}
			table := store.Snapshot()
			out := cmd.OutOrStdout()

			if len(args) == 0 {
				printTable(out, cfg.Approvals.Path, table)
				return nil
			}
			for _, name := range args {
				v := permission.DecideWith(table, name, nil)
				line := fmt.Sprintf("%s\t%s", name, v.Behavior)
				if v.Key != "" {
					line += "\t" + v.Key
				}
				if v.Reason != "" {
					line += "\t" + v.Reason
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
}

func printTable(w io.Writer, path string, table permission.Table) {
	records := table.Records()
	if len(records) == 0 {
		fmt.Fprintf(w, "No approval records in %s\n", path)
		return
	}
	keys := make([]string, 0, len(records))
	for k := range records {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%-40s %s\n", k, records[k])
	}
}

func newTokenCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage the OAuth token stored in the system keyring",
	}

	setCmd := &cobra.Command{
		Use:   "set <token|->",
		Short: "Store an OAuth access token (use - to read stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			token := args[0]
			if token == "-" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				token = string(data)
			}
			token = strings.TrimSpace(token)
			if token == "" {
				return fmt.Errorf("empty token")
			}
			if err := credentials.SaveToken(cfg.Credentials.KeyringService, cfg.Credentials.KeyringAccount, token); err != nil {
				return fmt.Errorf("save token: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Token stored for %s/%s\n", cfg.Credentials.KeyringService, cfg.Credentials.KeyringAccount)
			return nil
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove the stored OAuth token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			if err := credentials.DeleteToken(cfg.Credentials.KeyringService, cfg.Credentials.KeyringAccount); err != nil {
				return fmt.Errorf("delete token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Token removed")
			return nil
		},
	}

	cmd.AddCommand(setCmd, clearCmd)
	return cmd
}
