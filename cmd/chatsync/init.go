package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/Prismer/sdk/chatsync"
)

var initBaseURL string

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "Server URL (default "+chatsync.DefaultBaseURL+")")
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store an access token in ~/.chatsync/config.toml",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth.Token = token
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}
		if cfg.Realtime.Transport == "" {
			cfg.Realtime.Transport = string(chatsync.TransportWebSocket)
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		out := cmd.OutOrStdout()
		path, _ := configPath()
		fmt.Fprintf(out, "Token saved to %s\n", path)
		if exp, err := chatsync.TokenExpiry(token); err == nil && !exp.IsZero() {
			fmt.Fprintf(out, "Token expires %s\n", exp.Format(time.RFC3339))
		}
		return nil
	},
}
