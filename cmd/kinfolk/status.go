package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL: %s\n", valueOrDefault(cfg.Default.BaseURL, "(default)"))
		fmt.Printf("  Timeout:  %s\n", valueOrDefault(cfg.Default.Timeout, "(default)"))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:    %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:    (not set)")
			return nil
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		fmt.Println()
		fmt.Println("Account:")
		if _, ok := store.Profiles.CurrentUser(); !ok {
			fmt.Println("  (not signed in, run 'kinfolk login <username>')")
			return nil
		}

		ctx, cancel := requestContext()
		defer cancel()
		me, err := store.Profiles.LoadCurrentUser(ctx)
		if err != nil {
			fmt.Printf("  Error fetching profile: %v\n", err)
			return nil
		}
		fmt.Printf("  Username:  %s\n", me.Username)
		fmt.Printf("  Name:      %s\n", me.DisplayName)
		fmt.Printf("  Posts:     %s\n", count(me.PostCount))
		fmt.Printf("  Followers: %s\n", count(me.FollowerCount))
		fmt.Printf("  Following: %s\n", count(me.FollowingCount))
		return nil
	},
}
