package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func buildStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the configured agent roster without connecting to any relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			eng, err := buildEngine(configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "project: %s\n", eng.cfg.Project.Slug)
			fmt.Fprintf(out, "relays: %v\n", eng.cfg.Project.Relays)
			for _, def := range eng.agents.All() {
				signer, _ := eng.agents.Signer(def.Slug)
				pubkey := ""
				if signer != nil {
					pubkey = signer.Pubkey()
				}
				fmt.Fprintf(out, "  agent %-16s role=%-12s pubkey=%s\n", def.Slug, def.Role, pubkey)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}
