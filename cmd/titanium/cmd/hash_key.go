package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/KirovAir/Titanium-Web-Proxy/internal/domain/auth"
)

var hashKeyArgon2 bool

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [secret]",
	Short: "Hash a secret for the auth config",
	Long: `Hash a proxy secret for use in config.

The default output is "sha256:<hex>", usable directly in the
auth.credentials.secret_hash and ops.token_hash fields. With --argon2id
the output is a salted Argon2id hash in PHC format, which resists
offline brute force if the config file leaks.

Example:
  titanium hash-key "my-proxy-secret"
  # Output: sha256:7d5e8c...

Security note: the secret will appear in shell history.
Consider clearing history after use or using an environment variable:
  titanium hash-key "$MY_SECRET"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if hashKeyArgon2 {
			hash, err := auth.HashSecretArgon2id(args[0])
			if err != nil {
				return fmt.Errorf("hash secret: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), auth.HashSecret(args[0]))
		return nil
	},
}

func init() {
	hashKeyCmd.Flags().BoolVar(&hashKeyArgon2, "argon2id", false, "emit a salted Argon2id hash instead of SHA-256")
	rootCmd.AddCommand(hashKeyCmd)
}
