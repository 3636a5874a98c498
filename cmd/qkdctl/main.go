// Package main はCLIツールのエントリポイント。
package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"quantum-key-service/internal/crypto"
)

const version = "1.0.0"

var (
	apiURL  string
	output  string
	timeout time.Duration
)

// HTTPクライアント
var httpClient *http.Client

func main() {
	rootCmd := &cobra.Command{
		Use:   "qkdctl",
		Short: "Quantum Key Service CLI",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if apiURL == "" {
				apiURL = os.Getenv("QKDCTL_API_URL")
			}
			httpClient = &http.Client{Timeout: timeout}
		},
	}

	// グローバルフラグ
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "API endpoint URL (or set QKDCTL_API_URL)")
	rootCmd.PersistentFlags().StringVar(&output, "output", "text", "Output format: text, json")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")

	// サブコマンド登録
	rootCmd.AddCommand(exchangeCmd())
	rootCmd.AddCommand(getCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(deleteCmd())
	rootCmd.AddCommand(cleanupCmd())
	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// versionCmd はバージョン情報を表示する。
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("qkdctl version %s\n", version)
		},
	}
}

// exchangeCmd は量子鍵交換の実行コマンド。
func exchangeCmd() *cobra.Command {
	var peerID string
	var keyLength int
	var purpose string
	cmd := &cobra.Command{
		Use:   "exchange",
		Short: "Establish a shared key with a peer over the quantum channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiURL == "" {
				return fmt.Errorf("--api-url is required (or set QKDCTL_API_URL)")
			}

			reqBody, err := json.Marshal(map[string]interface{}{
				"peer_id":    peerID,
				"key_length": keyLength,
				"purpose":    purpose,
			})
			if err != nil {
				return fmt.Errorf("encoding request: %w", err)
			}

			url := fmt.Sprintf("%s/v1/keys/exchange", apiURL)
			resp, err := httpClient.Post(url, "application/json", bytes.NewReader(reqBody))
			if err != nil {
				return fmt.Errorf("API request failed: %w", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("reading response: %w", err)
			}

			if resp.StatusCode != http.StatusCreated {
				return handleErrorResponse(resp.StatusCode, body)
			}

			if output == "json" {
				fmt.Println(string(body))
			} else {
				var result map[string]interface{}
				if err := json.Unmarshal(body, &result); err != nil {
					return fmt.Errorf("parsing response: %w", err)
				}
				fmt.Printf("Established key %q with peer %q\n", result["key_id"], peerID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&peerID, "peer", "", "Peer ID (required)")
	cmd.Flags().IntVar(&keyLength, "key-length", 256, "Key length in bits (multiple of 8)")
	cmd.Flags().StringVar(&purpose, "purpose", "", "Purpose annotation stored with the key")
	cmd.MarkFlagRequired("peer")
	return cmd
}

// getCmd は鍵メタデータの取得コマンド。
func getCmd() *cobra.Command {
	var keyID string
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Get metadata for a key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiURL == "" {
				return fmt.Errorf("--api-url is required (or set QKDCTL_API_URL)")
			}

			url := fmt.Sprintf("%s/v1/keys/%s", apiURL, keyID)
			resp, err := httpClient.Get(url)
			if err != nil {
				return fmt.Errorf("API request failed: %w", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("reading response: %w", err)
			}

			if resp.StatusCode != http.StatusOK {
				return handleErrorResponse(resp.StatusCode, body)
			}

			if output == "json" {
				fmt.Println(string(body))
			} else {
				var result struct {
					KeyID      string `json:"key_id"`
					UsageCount uint   `json:"usage_count"`
					MaxUsage   uint   `json:"max_usage"`
					ExpiresAt  string `json:"expires_at"`
				}
				if err := json.Unmarshal(body, &result); err != nil {
					return fmt.Errorf("parsing response: %w", err)
				}
				fmt.Printf("Key %s: usage %d/%d, expires %s\n", result.KeyID, result.UsageCount, result.MaxUsage, result.ExpiresAt)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&keyID, "key-id", "", "Key ID (required)")
	cmd.MarkFlagRequired("key-id")
	return cmd
}

// listCmd は鍵一覧の取得コマンド。
func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all stored keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiURL == "" {
				return fmt.Errorf("--api-url is required (or set QKDCTL_API_URL)")
			}

			url := fmt.Sprintf("%s/v1/keys", apiURL)
			resp, err := httpClient.Get(url)
			if err != nil {
				return fmt.Errorf("API request failed: %w", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("reading response: %w", err)
			}

			if resp.StatusCode != http.StatusOK {
				return handleErrorResponse(resp.StatusCode, body)
			}

			if output == "json" {
				fmt.Println(string(body))
			} else {
				var result struct {
					Keys []struct {
						KeyID      string `json:"key_id"`
						UsageCount uint   `json:"usage_count"`
						MaxUsage   uint   `json:"max_usage"`
						CreatedAt  string `json:"created_at"`
						ExpiresAt  string `json:"expires_at"`
					} `json:"keys"`
				}
				if err := json.Unmarshal(body, &result); err != nil {
					return fmt.Errorf("parsing response: %w", err)
				}

				fmt.Printf("%-38s %-8s %s\n", "KEY_ID", "USAGE", "EXPIRES_AT")
				for _, k := range result.Keys {
					fmt.Printf("%-38s %d/%-6d %s\n", k.KeyID, k.UsageCount, k.MaxUsage, k.ExpiresAt)
				}
			}
			return nil
		},
	}
}

// deleteCmd は鍵のセキュア消去コマンド。
func deleteCmd() *cobra.Command {
	var keyID string
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Securely erase a key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiURL == "" {
				return fmt.Errorf("--api-url is required (or set QKDCTL_API_URL)")
			}

			url := fmt.Sprintf("%s/v1/keys/%s", apiURL, keyID)
			req, err := http.NewRequest(http.MethodDelete, url, nil)
			if err != nil {
				return fmt.Errorf("creating request: %w", err)
			}

			resp, err := httpClient.Do(req)
			if err != nil {
				return fmt.Errorf("API request failed: %w", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("reading response: %w", err)
			}

			if resp.StatusCode != http.StatusNoContent {
				return handleErrorResponse(resp.StatusCode, body)
			}

			if output == "json" {
				fmt.Println("{}")
			} else {
				fmt.Printf("Deleted key %q\n", keyID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&keyID, "key-id", "", "Key ID (required)")
	cmd.MarkFlagRequired("key-id")
	return cmd
}

// cleanupCmd は期限切れ鍵の一括消去コマンド。
func cleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Securely erase all expired keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiURL == "" {
				return fmt.Errorf("--api-url is required (or set QKDCTL_API_URL)")
			}

			url := fmt.Sprintf("%s/v1/keys/cleanup", apiURL)
			resp, err := httpClient.Post(url, "application/json", nil)
			if err != nil {
				return fmt.Errorf("API request failed: %w", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("reading response: %w", err)
			}

			if resp.StatusCode != http.StatusOK {
				return handleErrorResponse(resp.StatusCode, body)
			}

			if output == "json" {
				fmt.Println(string(body))
			} else {
				var result map[string]interface{}
				if err := json.Unmarshal(body, &result); err != nil {
					return fmt.Errorf("parsing response: %w", err)
				}
				fmt.Printf("Removed %.0f expired key(s)\n", result["removed"])
			}
			return nil
		},
	}
}

// keygenCmd はMaximumレベル用のKyber768鍵ペアを生成する。
func keygenCmd() *cobra.Command {
	var pubFile, privFile string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a Kyber768 key pair for hybrid encryption",
		RunE: func(cmd *cobra.Command, args []string) error {
			publicKey, privateKey, err := crypto.NewKEM().GenerateKeyPair()
			if err != nil {
				return fmt.Errorf("generating key pair: %w", err)
			}

			if err := os.WriteFile(pubFile, []byte(base64.StdEncoding.EncodeToString(publicKey)), 0644); err != nil {
				return fmt.Errorf("writing public key: %w", err)
			}
			// 秘密鍵は所有者のみ読み取り可能
			if err := os.WriteFile(privFile, []byte(base64.StdEncoding.EncodeToString(privateKey)), 0600); err != nil {
				return fmt.Errorf("writing private key: %w", err)
			}

			fmt.Printf("Wrote public key to %s and private key to %s\n", pubFile, privFile)
			return nil
		},
	}
	cmd.Flags().StringVar(&pubFile, "pub", "kyber768.pub", "Public key output file")
	cmd.Flags().StringVar(&privFile, "priv", "kyber768.key", "Private key output file")
	return cmd
}

func handleErrorResponse(statusCode int, body []byte) error {
	var errResp struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&errResp); err == nil && errResp.Message != "" {
		return fmt.Errorf("Error: %s", errResp.Message)
	}
	return fmt.Errorf("Error: server returned status %d", statusCode)
}
