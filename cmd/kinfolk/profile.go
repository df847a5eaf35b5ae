package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(profileCmd)
	rootCmd.AddCommand(followCmd)
	rootCmd.AddCommand(unfollowCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <username>",
	Short: "Remember which user the token belongs to",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, cancel := requestContext()
		defer cancel()
		p, err := store.Profiles.LoadByUsername(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to load profile: %w", err)
		}
		if err := store.SignIn(p); err != nil {
			return fmt.Errorf("failed to persist identity: %w", err)
		}

		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth.Username = p.Username
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Signed in as %s (%s)\n", p.DisplayName, p.Username)
		return nil
	},
}

var profileCmd = &cobra.Command{
	Use:   "profile <username>",
	Short: "Show a user's profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, cancel := requestContext()
		defer cancel()
		p, err := store.Profiles.LoadByUsername(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to load profile: %w", err)
		}
		if jsonOutput {
			return printJSON(p)
		}

		name := p.DisplayName
		if p.Verified {
			name += " ✓"
		}
		fmt.Printf("%s (@%s)\n", name, p.Username)
		if p.Bio != "" {
			fmt.Println(p.Bio)
		}
		fmt.Printf("%s posts · %s followers · %s following\n",
			count(p.PostCount), count(p.FollowerCount), count(p.FollowingCount))
		if p.IsFollowing {
			fmt.Println("You follow this user.")
		}
		return nil
	},
}

var followCmd = &cobra.Command{
	Use:   "follow <user-id>",
	Short: "Follow a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFollow(args[0], true)
	},
}

var unfollowCmd = &cobra.Command{
	Use:   "unfollow <user-id>",
	Short: "Unfollow a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFollow(args[0], false)
	},
}

func runFollow(userID string, follow bool) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := requestContext()
	defer cancel()
	if follow {
		err = store.Profiles.Follow(ctx, userID)
	} else {
		err = store.Profiles.Unfollow(ctx, userID)
	}
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}

	if follow {
		fmt.Printf("Following %s\n", userID)
	} else {
		fmt.Printf("Unfollowed %s\n", userID)
	}
	return nil
}
