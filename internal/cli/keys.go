package cli

import (
	"encoding/json"
	"fmt"

	"barberloyalty/internal/vapid"

	"github.com/spf13/cobra"
)

// NewKeysCommand manages the VAPID key pair. Keys are printed, never stored.
func NewKeysCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Generate or check VAPID keys",
	}

	var asJSON bool
	generate := &cobra.Command{
		Use:   "generate",
		Short: "Generate a new VAPID key pair",
		Long: `Generate a P-256 key pair for Web Push and print it in the form
expected by VAPID_PUBLIC_KEY / VAPID_PRIVATE_KEY.

Rotating keys invalidates every existing browser subscription.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := vapid.Generate()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{
					"publicKey":  keys.PublicKey(),
					"privateKey": keys.PrivateKey(),
					"jwk":        keys.PublicJWK(),
				})
			}
			fmt.Fprintf(out, "VAPID_PUBLIC_KEY=%s\n", keys.PublicKey())
			fmt.Fprintf(out, "VAPID_PRIVATE_KEY=%s\n", keys.PrivateKey())
			return nil
		},
	}
	generate.Flags().BoolVar(&asJSON, "json", false, "print keys and the public JWK as JSON")

	check := &cobra.Command{
		Use:   "check",
		Short: "Validate the configured VAPID key pair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := rootOpts.load()
			if err != nil {
				return err
			}
			defer log.Sync()

			keys, err := vapid.FromRaw(cfg.VAPID.PublicKey, cfg.VAPID.PrivateKey)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok %s\n", keys.PublicKey())
			return nil
		},
	}

	cmd.AddCommand(generate, check)
	return cmd
}
