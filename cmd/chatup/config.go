package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Configure the server and credential",
	Long:  "Prompts for the server URL, bearer token and user id, and writes\nthem to ~/.chatup/config.toml.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		reader := bufio.NewReader(os.Stdin)

		fmt.Printf("Server base URL [%s]: ", cfg.Server.BaseURL)
		if line, _ := reader.ReadString('\n'); strings.TrimSpace(line) != "" {
			cfg.Server.BaseURL = strings.TrimSpace(line)
		}

		fmt.Print("Bearer token: ")
		if line, _ := reader.ReadString('\n'); strings.TrimSpace(line) != "" {
			cfg.Auth.Token = strings.TrimSpace(line)
		}

		fmt.Printf("User id [%s]: ", cfg.Auth.UserID)
		if line, _ := reader.ReadString('\n'); strings.TrimSpace(line) != "" {
			cfg.Auth.UserID = strings.TrimSpace(line)
		}

		if err := saveConfig(cfg); err != nil {
			return err
		}
		path, _ := configPath()
		fmt.Printf("Configuration saved to %s\n", path)
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and edit the configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		fmt.Printf("server.base_url   = %s\n", cfg.Server.BaseURL)
		fmt.Printf("auth.token        = %s\n", maskToken(cfg.Auth.Token))
		fmt.Printf("auth.user_id      = %s\n", cfg.Auth.UserID)
		fmt.Printf("crypto.secret_key = %s\n", maskToken(cfg.Crypto.SecretKey))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value (e.g. auth.token)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := setConfigValue(cfg, args[0], args[1]); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return err
		}
		fmt.Printf("%s updated\n", args[0])
		return nil
	},
}

func maskToken(token string) string {
	if token == "" {
		return "(not set)"
	}
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(configCmd)
}
