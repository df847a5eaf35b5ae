package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().String("base-url", "", "API base URL to store alongside the token")
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store the API token in ~/.kinfolk/config.toml",
	Long: "Store the bearer token used for every request. Signing in as a user is a\n" +
		"separate step: run 'kinfolk login <username>' afterwards.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := strings.TrimSpace(strings.TrimPrefix(args[0], "Bearer "))
		if token == "" {
			return fmt.Errorf("token must not be empty")
		}

		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth.Token = token
		if baseURL, _ := cmd.Flags().GetString("base-url"); baseURL != "" {
			cfg.Default.BaseURL = strings.TrimRight(baseURL, "/")
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token %s saved to %s\n", maskKey(token), path)
		if cfg.Auth.Username == "" {
			fmt.Println("Next: kinfolk login <username>")
		}
		return nil
	},
}
