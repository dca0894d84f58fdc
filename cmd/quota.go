package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/recipe-extract/internal/model"
	"github.com/sells-group/recipe-extract/internal/ratelimit"
)

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Show today's remaining requests for a user or session",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		user, _ := cmd.Flags().GetString("user")
		session, _ := cmd.Flags().GetString("session")

		identifier, idType := user, model.IdentifierUser
		if identifier == "" {
			identifier, idType = session, model.IdentifierSession
		}
		if identifier == "" {
			return eris.New("quota: --user or --session is required")
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		limiter := ratelimit.New(st, ratelimit.Policy{
			SessionDailyLimit: cfg.RateLimit.SessionDailyLimit,
			UserDailyLimit:    cfg.RateLimit.UserDailyLimit,
		})
		dec, err := limiter.Peek(ctx, identifier, idType)
		if err != nil {
			return eris.Wrap(err, "quota")
		}

		fmt.Fprintf(os.Stdout, "%s %s: %d/%d used, %d remaining, resets %s\n",
			dec.IdentifierType, dec.Identifier, dec.Count, dec.Limit, dec.Remaining,
			dec.ResetAt.Format("2006-01-02 15:04 MST"))
		return nil
	},
}

func init() {
	quotaCmd.Flags().String("user", "", "user id")
	quotaCmd.Flags().String("session", "", "anonymous session id")
	rootCmd.AddCommand(quotaCmd)
}
