package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/iojanis/bcon-hub/internal/token"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		tokenType     string
		role          string
		username      string
		serverID      string
		serverName    string
		expiresInDays int
		adapterSecret string
		clientSecret  string
		verify        bool
		verifyToken   string
	)

	cmd := &cobra.Command{
		Use:           "bcon-token",
		Short:         "mint or verify adapter/client auth tokens for bconhubd",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			tokens, err := token.New(adapterSecret, clientSecret)
			if err != nil {
				return err
			}

			if verify {
				if verifyToken == "" {
					return fmt.Errorf("--token is required with --verify")
				}
				return runVerify(tokens, tokenType, verifyToken)
			}
			return runMint(tokens, tokenType, role, username, serverID, serverName, expiresInDays)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&tokenType, "type", "", "token kind: client or adapter (required)")
	fs.StringVar(&role, "role", "", "client role: guest, player, admin, or system (clients only)")
	fs.StringVar(&username, "username", "", "subject claim for a client token")
	fs.StringVar(&serverID, "server-id", "", "server_id claim for an adapter token")
	fs.StringVar(&serverName, "server-name", "", "human-readable label echoed in the mint log, not a token claim")
	fs.IntVar(&expiresInDays, "expires-in-days", 30, "token lifetime in days")
	fs.StringVar(&adapterSecret, "adapter-secret", os.Getenv("BCON_ADAPTER_SECRET"), "HMAC secret for adapter tokens")
	fs.StringVar(&clientSecret, "client-secret", os.Getenv("BCON_CLIENT_SECRET"), "HMAC secret for client tokens")
	fs.BoolVar(&verify, "verify", false, "verify --token instead of minting a new one")
	fs.StringVar(&verifyToken, "token", "", "token string to verify")

	return cmd
}

func runMint(tokens *token.Service, tokenType, role, username, serverID, serverName string, expiresInDays int) error {
	if expiresInDays <= 0 {
		return fmt.Errorf("--expires-in-days must be positive")
	}
	ttl := time.Duration(expiresInDays) * 24 * time.Hour

	switch tokenType {
	case "client":
		r := token.Role(role)
		switch r {
		case token.RoleGuest, token.RolePlayer, token.RoleAdmin, token.RoleSystem:
		default:
			return fmt.Errorf("--role must be one of guest, player, admin, system")
		}
		subject := username
		if subject == "" {
			subject = string(r)
		}
		signed, err := tokens.MintClaims(token.KindClient, subject, r, "", ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stderr, "minted client token", "role="+role, "username="+subject, "expires_in_days="+fmt.Sprint(expiresInDays))
		fmt.Println(signed)
		return nil

	case "adapter":
		if serverID == "" {
			return fmt.Errorf("--server-id is required for adapter tokens")
		}
		signed, err := tokens.Mint(token.KindAdapter, serverID, ttl)
		if err != nil {
			return err
		}
		label := serverName
		if label == "" {
			label = serverID
		}
		fmt.Fprintln(os.Stderr, "minted adapter token", "server_id="+serverID, "server_name="+label, "expires_in_days="+fmt.Sprint(expiresInDays))
		fmt.Println(signed)
		return nil

	default:
		return fmt.Errorf("--type must be client or adapter")
	}
}

func runVerify(tokens *token.Service, tokenType, raw string) error {
	var kind token.Kind
	switch tokenType {
	case "client":
		kind = token.KindClient
	case "adapter":
		kind = token.KindAdapter
	default:
		return fmt.Errorf("--type must be client or adapter")
	}

	claims, err := tokens.Verify(raw, kind)
	if err != nil {
		return err
	}

	fmt.Printf("valid: kind=%s subject=%s role=%s server_id=%s expires_at=%s\n",
		claims.Kind, claims.Subject, claims.Role, claims.ServerID, claims.ExpiresAt.Format(time.RFC3339))
	return nil
}
