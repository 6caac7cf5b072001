package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/thetenthbox/gpuq/pkg/auth"
	"github.com/thetenthbox/gpuq/pkg/config"
	"github.com/thetenthbox/gpuq/pkg/storage"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage authentication tokens",
}

var tokenCreateCmd = &cobra.Command{
	Use:   "create <user_id> <token>",
	Short: "Create a new token, revoking any existing tokens for the user",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")
		admin, _ := cmd.Flags().GetBool("admin")

		if days > auth.MaxTokenTTLDays {
			fmt.Printf("Maximum expiry is %d days. Setting expiry to %d days instead of %d.\n",
				auth.MaxTokenTTLDays, auth.MaxTokenTTLDays, days)
		}

		return withTokenManager(cmd, func(mgr *auth.Manager) error {
			token, err := mgr.Issue(args[0], args[1], days, admin)
			if err != nil {
				if errors.Is(err, auth.ErrTokenExists) {
					return fmt.Errorf("failed to create token (may already exist)")
				}
				return err
			}
			fmt.Printf("Token created successfully for user: %s\n", token.UserID)
			fmt.Printf("  Admin: %v\n", token.IsAdmin)
			fmt.Printf("  Expires at: %s\n", token.ExpiresAt.Format("2006-01-02 15:04:05 UTC"))
			fmt.Println("  Any existing tokens for this user have been revoked")
			return nil
		})
	},
}

var tokenRevokeCmd = &cobra.Command{
	Use:   "revoke <token>",
	Short: "Revoke a token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTokenManager(cmd, func(mgr *auth.Manager) error {
			if err := mgr.Revoke(args[0]); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("failed to revoke token (not found)")
				}
				return err
			}
			fmt.Println("Token revoked successfully")
			return nil
		})
	},
}

var tokenListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all tokens",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTokenManager(cmd, func(mgr *auth.Manager) error {
			tokens, err := mgr.List()
			if err != nil {
				return err
			}
			if len(tokens) == 0 {
				fmt.Println("No tokens found")
				return nil
			}
			fmt.Printf("%-30s %-10s %-10s %-25s\n", "User ID", "Admin", "Active", "Expires At")
			for _, t := range tokens {
				fmt.Printf("%-30s %-10v %-10v %-25s\n",
					t.UserID, t.IsAdmin, t.IsActive, t.ExpiresAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		})
	},
}

func init() {
	tokenCreateCmd.Flags().Int("days", 0, "Expiration in days (max 30, default 30)")
	tokenCreateCmd.Flags().Bool("admin", false, "Create admin token with elevated privileges")

	tokenCmd.AddCommand(tokenCreateCmd)
	tokenCmd.AddCommand(tokenRevokeCmd)
	tokenCmd.AddCommand(tokenListCmd)
}

// withTokenManager opens the store for the duration of one command
func withTokenManager(cmd *cobra.Command, fn func(*auth.Manager) error) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(auth.NewManager(store))
}
