// Command bountyctl is a terminal client for the AgentBounty marketplace.
package main

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"AgentBounty/sdk/go/agentbounty"
)

var (
	serverURL string
	keyHex    string
	demoMode  bool
)

var rootCmd = &cobra.Command{
	Use:           "bountyctl",
	Short:         "Run AgentBounty agents and pay for their results from the terminal",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("AGENTBOUNTY_SERVER", "http://localhost:8000"), "AgentBounty server URL")
	rootCmd.PersistentFlags().StringVar(&keyHex, "key", os.Getenv("AGENTBOUNTY_KEY"), "hex private key of the paying wallet")
	rootCmd.PersistentFlags().BoolVar(&demoMode, "demo", false, "use a demo session; nothing is charged")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError(err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// newClient builds an API client carrying the saved session.
func newClient() (*agentbounty.Client, error) {
	c, err := agentbounty.NewClient(serverURL, &http.Client{Timeout: 30 * time.Second})
	if err != nil {
		return nil, err
	}
	if demoMode {
		c.EnableDemo()
		return c, nil
	}
	token, err := loadToken()
	if err != nil {
		return nil, err
	}
	c.SetToken(token)
	return c, nil
}

func sessionFile() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "agentbounty", "session"), nil
}

func saveToken(token string) error {
	path, err := sessionFile()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(token), 0o600)
}

func loadToken() (string, error) {
	path, err := sessionFile()
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read session: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func clearToken() error {
	path, err := sessionFile()
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func signingKey() (*ecdsa.PrivateKey, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(keyHex), "0x")
	if raw == "" {
		return nil, nil
	}
	key, err := crypto.HexToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("parse --key: %w", err)
	}
	return key, nil
}
