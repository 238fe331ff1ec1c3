package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	chatup "github.com/HamzaAddami/chatup-go"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Print a conversation's message history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]

		client, err := getAPIClient()
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cipher, err := getCipher(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		msgs, err := client.Messages.History(ctx, conversationID, &chatup.PageOptions{Limit: historyLimit})
		if err != nil {
			return err
		}

		for _, m := range msgs {
			text, derr := cipher.Decrypt(m.CipherText, m.IV)
			if derr != nil {
				text = chatup.DecryptPlaceholder
			}
			fmt.Printf("%s  %-12s  %s\n", m.SentAt, m.SenderID, text)
		}
		fmt.Printf("--- %d message(s) ---\n", len(msgs))
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 50, "maximum messages to fetch")
	rootCmd.AddCommand(historyCmd)
}
