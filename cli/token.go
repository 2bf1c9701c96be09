package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/credit-engine/api"
)

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().Bool("admin", false, "Grant the admin role")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
}

var tokenCmd = &cobra.Command{
	Use:   "token SUBJECT",
	Short: "Issue a bearer token for local testing",
	Long:  `Sign an HS256 token with the configured JWT secret. SUBJECT is the account id.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Auth.JWTSecret == "" {
			return errors.New("no JWT secret configured (auth.jwt_secret or CREDITS_JWT_SECRET)")
		}

		admin, _ := cmd.Flags().GetBool("admin")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		token, err := api.SignToken([]byte(cfg.Auth.JWTSecret), args[0], admin, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}
