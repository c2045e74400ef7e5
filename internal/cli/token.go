package cli

import (
	"errors"
	"fmt"
	"time"

	"barberloyalty/pkg/rbac"
	"barberloyalty/pkg/util"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type TokenOptions struct {
	*RootOptions
	Subject string
	Role    string
	TTL     time.Duration
}

// NewTokenCommand issues a bearer token, e.g. for the cron caller of /loyalty/sweep.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TokenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed bearer token",
		Example: `  barberloyalty token --role service --ttl 8760h
  barberloyalty token --role customer --subject 6f1c...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			defer log.Sync()

			if cfg.JWT.Secret == "" {
				return errors.New("jwt.secret is not configured")
			}
			if !rbac.KnownRole(opts.Role) {
				return fmt.Errorf("unknown role %q", opts.Role)
			}

			subject := uuid.New()
			if opts.Subject != "" {
				subject, err = uuid.Parse(opts.Subject)
				if err != nil {
					return fmt.Errorf("invalid subject: %w", err)
				}
			}

			ttl := opts.TTL
			if ttl <= 0 {
				ttl = cfg.JWT.TTL
			}
			token, err := util.GenerateJWT(subject, opts.Role, cfg.JWT.Secret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Subject, "subject", "", "user id (random when empty)")
	cmd.Flags().StringVar(&opts.Role, "role", rbac.RoleService, "customer | barber | admin | service")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", 0, "token lifetime (defaults to jwt.ttl)")

	return cmd
}
