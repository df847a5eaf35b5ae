package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var feedPage int

func init() {
	feedCmd.Flags().IntVar(&feedPage, "page", 1, "feed page to load")
	rootCmd.AddCommand(feedCmd)
	rootCmd.AddCommand(likeCmd)
	rootCmd.AddCommand(unlikeCmd)
}

var feedCmd = &cobra.Command{
	Use:   "feed",
	Short: "Show the home feed",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, cancel := requestContext()
		defer cancel()
		if err := store.Posts.Fetch(ctx, feedPage, false); err != nil {
			return fmt.Errorf("failed to load feed: %w", err)
		}

		state := store.Posts.Snapshot()
		if jsonOutput {
			return printJSON(state.Posts)
		}
		if len(state.Posts) == 0 {
			fmt.Println("No posts.")
			return nil
		}
		for _, p := range state.Posts {
			liked := " "
			if p.IsLiked {
				liked = "♥"
			}
			fmt.Printf("[%s] %s @%s · %s\n", p.ID, p.Author.DisplayName, p.Author.Username, p.TimeAgo)
			fmt.Printf("    %s\n", strings.ReplaceAll(p.Content, "\n", "\n    "))
			fmt.Printf("    %s %s likes · %s comments\n\n", liked, count(p.LikeCount), count(p.CommentCount))
		}
		fmt.Printf("Page %d", state.Page)
		if state.Total > 0 {
			fmt.Printf(" of %s posts", count(state.Total))
		}
		if state.HasMore {
			fmt.Printf(" (more: --page %d)", state.Page+1)
		}
		fmt.Println()
		return nil
	},
}

var likeCmd = &cobra.Command{
	Use:   "like <post-id>",
	Short: "Like a post",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLike(args[0], true)
	},
}

var unlikeCmd = &cobra.Command{
	Use:   "unlike <post-id>",
	Short: "Remove a like from a post",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLike(args[0], false)
	},
}

// runLike calls the endpoint directly; the feed slice is empty in a one-shot
// CLI process, so there is no local state to update optimistically.
func runLike(postID string, like bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	client, err := newClient(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := requestContext()
	defer cancel()
	if like {
		res, err := client.Posts.Like(ctx, postID)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Liked %s (%s likes)\n", postID, count(res.TotalLikes))
		return nil
	}
	res, err := client.Posts.Unlike(ctx, postID)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	fmt.Printf("Unliked %s (%s likes)\n", postID, count(res.TotalLikes))
	return nil
}
