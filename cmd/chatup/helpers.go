package main

import (
	"encoding/base64"
	"fmt"

	"github.com/sirupsen/logrus"

	chatup "github.com/HamzaAddami/chatup-go"
)

// getSession builds a Session from the saved config.
func getSession() (*chatup.Session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Server.BaseURL == "" {
		return nil, fmt.Errorf("no server configured; run 'chatup init' first")
	}
	if cfg.Auth.Token == "" {
		return nil, fmt.Errorf("no token configured; run 'chatup init' first")
	}

	cipher, err := getCipher(cfg)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.WarnLevel)
	}

	return chatup.NewSession(chatup.SessionConfig{
		BaseURL:     cfg.Server.BaseURL,
		Token:       cfg.Auth.Token,
		LocalUserID: cfg.Auth.UserID,
		Cipher:      cipher,
		Logger:      logger,
	})
}

// getAPIClient builds a bare REST client for commands that do not need the
// push channel.
func getAPIClient() (*chatup.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Server.BaseURL == "" {
		return nil, fmt.Errorf("no server configured; run 'chatup init' first")
	}
	return chatup.NewClient(cfg.Server.BaseURL, cfg.Auth.Token), nil
}

// getCipher picks the message cipher from config: a secretbox key when one is
// configured, the development base64 cipher otherwise.
func getCipher(cfg *Config) (chatup.Cipher, error) {
	if cfg.Crypto.SecretKey == "" {
		return chatup.Base64Cipher{}, nil
	}
	key, err := base64.StdEncoding.DecodeString(cfg.Crypto.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("crypto.secret_key is not valid base64: %w", err)
	}
	return chatup.NewSecretBoxCipher(key)
}
