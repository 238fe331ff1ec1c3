package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	chatup "github.com/HamzaAddami/chatup-go"
)

var watchCmd = &cobra.Command{
	Use:   "watch <conversation-id>",
	Short: "Stream a conversation's live events to the terminal",
	Long:  "Connects the push channel, joins the conversation and prints\nmessages, receipts, presence and typing events until interrupted.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]

		sess, err := getSession()
		if err != nil {
			return err
		}
		defer sess.Close()

		ch := sess.Channel()
		router := sess.Router()

		ch.OnMessage(func(p chatup.MessagePayload) {
			m, ok := sess.History().Get(p.Message.ID)
			text := p.Message.CipherText
			if ok {
				text = m.Text
			}
			fmt.Printf("[%s] %s: %s\n", stamp(), p.Message.SenderID, text)
		})
		ch.OnReadReceipt(func(p chatup.ReadReceiptPayload) {
			fmt.Printf("[%s] read by %v: %d message(s)\n", stamp(), p.ReaderIDs, len(p.AllMessageIDs()))
		})
		ch.OnPresence(func(userID string, online bool, lastSeenAt string) {
			if online {
				fmt.Printf("[%s] %s is online\n", stamp(), userID)
			} else {
				fmt.Printf("[%s] %s went offline (last seen %s)\n", stamp(), userID, lastSeenAt)
			}
		})
		ch.OnTyping(func(p chatup.TypingPayload) {
			if p.ConversationID != conversationID {
				return
			}
			if p.IsTyping {
				fmt.Printf("[%s] %s is typing...\n", stamp(), p.UserID)
			}
		})
		ch.OnUnreadCount(func(convID string, count int) {
			fmt.Printf("[%s] unread[%s] = %d\n", stamp(), convID, count)
		})
		ch.OnReconnecting(func(attempt int, delay time.Duration) {
			fmt.Printf("[%s] reconnecting (attempt %d, in %s)\n", stamp(), attempt, delay)
		})
		ch.OnDisconnected(func(reason string) {
			fmt.Printf("[%s] disconnected: %s\n", stamp(), reason)
		})

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = sess.Connect(ctx)
		cancel()
		if err != nil {
			return err
		}
		fmt.Printf("connected as %s\n", sess.LocalUserID())

		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		err = sess.JoinConversation(ctx, conversationID)
		cancel()
		if err != nil {
			return err
		}

		ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
		msgs, err := sess.LoadHistory(ctx, conversationID)
		cancel()
		if err != nil {
			fmt.Fprintf(os.Stderr, "history load failed: %v\n", err)
		} else {
			// Canonical order is newest first; print oldest first.
			for i := len(msgs) - 1; i >= 0; i-- {
				fmt.Printf("  %s %s: %s\n", msgs[i].SentAt, msgs[i].SenderID, msgs[i].Text)
			}
			fmt.Printf("--- %d message(s), unread %d ---\n", len(msgs), router.UnreadCount(conversationID))
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		fmt.Println("\nbye")
		return nil
	},
}

func stamp() string {
	return time.Now().Format("15:04:05")
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
