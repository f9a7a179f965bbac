package main

import (
	"fmt"
	"time"

	"go_rex/internal/auth"

	"github.com/spf13/cobra"
)

var (
	tokenSubject string
	tokenRole    string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an operator token",
	Long: `Issue a JWT for the operator API signed with JWT_SECRET.

Examples:
  rexd token --subject alice
  rexd token --subject ci --role runner --ttl 1h`,
	RunE: runToken,
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "operator", "Token subject")
	tokenCmd.Flags().StringVar(&tokenRole, "role", "admin", "Role claim")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "Token lifetime (default JWT_EXPIRE_MINUTES)")
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	signer, err := auth.NewSigner(cfg.JWT.Secret, cfg.JWT.Issuer)
	if err != nil {
		return err
	}

	ttl := tokenTTL
	if ttl <= 0 {
		ttl = time.Duration(cfg.JWT.ExpireMinutes) * time.Minute
	}
	token, err := signer.Issue(tokenSubject, tokenRole, ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
