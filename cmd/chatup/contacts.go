package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	chatup "github.com/HamzaAddami/chatup-go"
)

var contactsCmd = &cobra.Command{
	Use:   "contacts",
	Short: "Manage contacts and the block list",
}

var contactsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your contacts",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := getAPIClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		contacts, err := client.Contacts.List(ctx)
		if err != nil {
			return err
		}
		printContacts(contacts)
		return nil
	},
}

var contactsBlockedCmd = &cobra.Command{
	Use:   "blocked",
	Short: "List blocked users",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := getAPIClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		blocked, err := client.Contacts.Blocked(ctx)
		if err != nil {
			return err
		}
		printContacts(blocked)
		return nil
	},
}

var contactsBlockCmd = &cobra.Command{
	Use:   "block <phone-number>",
	Short: "Block a user by phone number",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := getAPIClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := client.Contacts.Block(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("%s blocked\n", args[0])
		return nil
	},
}

var contactsUnblockCmd = &cobra.Command{
	Use:   "unblock <phone-number>",
	Short: "Unblock a user by phone number",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := getAPIClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := client.Contacts.Unblock(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("%s unblocked\n", args[0])
		return nil
	},
}

func printContacts(contacts []chatup.Contact) {
	if len(contacts) == 0 {
		fmt.Println("(none)")
		return
	}
	for _, c := range contacts {
		name := c.DisplayName
		if name == "" {
			name = c.ID
		}
		fmt.Printf("%-24s %s\n", name, c.PhoneNumber)
	}
}

func init() {
	contactsCmd.AddCommand(contactsListCmd)
	contactsCmd.AddCommand(contactsBlockedCmd)
	contactsCmd.AddCommand(contactsBlockCmd)
	contactsCmd.AddCommand(contactsUnblockCmd)
	rootCmd.AddCommand(contactsCmd)
}
