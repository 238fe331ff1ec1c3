package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	chatup "github.com/HamzaAddami/chatup-go"
)

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text>...",
	Short: "Send a message to a conversation",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		text := strings.Join(args[1:], " ")

		sess, err := getSession()
		if err != nil {
			return err
		}
		defer sess.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := sess.Connect(ctx); err != nil {
			return err
		}
		if err := sess.JoinConversation(ctx, conversationID); err != nil {
			return err
		}
		if err := sess.SendMessage(ctx, conversationID, text); err != nil {
			if errors.Is(err, chatup.ErrNotConnected) {
				return fmt.Errorf("channel dropped before the message could be sent")
			}
			return err
		}
		fmt.Println("sent")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sendCmd)
}
