package main

import (
	"fmt"
	"strings"

	kinfolk "github.com/kinfolk-social/kinfolk/sdk/golang"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(chatsCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(tailCmd)
}

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, cancel := requestContext()
		defer cancel()
		if err := store.Chats.LoadAll(ctx); err != nil {
			return fmt.Errorf("failed to load chats: %w", err)
		}
		if jsonOutput {
			return printJSON(store.Chats.Chats())
		}

		activity := store.Notifications.Recent(len(store.Chats.Chats()))
		if len(activity) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, a := range activity {
			unread := ""
			if a.Unread > 0 {
				unread = fmt.Sprintf(" (%s unread)", count(a.Unread))
			}
			fmt.Printf("[%s] %s%s · %s\n    %s\n", a.ChatID, a.Title, unread, ago(a.At), a.Preview)
		}
		sum := store.Notifications.Summary()
		fmt.Printf("\n%s unread messages in %s chats\n", count(sum.UnreadMessages), count(sum.UnreadChats))
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <chat-id> <message>",
	Short: "Send a message to a conversation",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, cancel := requestContext()
		defer cancel()
		msg, err := store.Chats.Send(ctx, args[0], strings.Join(args[1:], " "), kinfolk.MessageText, "", "")
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		if jsonOutput {
			return printJSON(msg)
		}
		fmt.Printf("Sent %s (%s)\n", msg.ID, msg.Status)
		return nil
	},
}

var tailCmd = &cobra.Command{
	Use:   "tail <chat-id>",
	Short: "Follow a conversation in real time until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID := args[0]
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		unsubscribe := store.Bus.Subscribe(func(ev kinfolk.Event) {
			if e, ok := ev.(kinfolk.MessageAdded); ok && e.Remote && e.Message.ChatID == chatID {
				printMessage(e.Message)
			}
		})
		defer unsubscribe()

		ctx, stop := interruptContext()
		defer stop()

		conn, err := store.OpenChat(ctx, chatID)
		if err != nil && conn == nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		if err != nil {
			fmt.Printf("History unavailable: %v\n", err)
		}
		for _, m := range store.Chats.Messages(chatID) {
			printMessage(m)
		}
		fmt.Println("-- live, Ctrl-C to stop --")

		select {
		case <-ctx.Done():
		case <-conn.Done():
			fmt.Println("-- connection closed --")
		}
		return nil
	},
}

func printMessage(m kinfolk.Message) {
	fmt.Printf("%s %s: %s\n", m.CreatedAt.Local().Format("15:04"), m.Sender.DisplayName, m.Content)
}
