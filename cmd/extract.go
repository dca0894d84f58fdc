package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/recipe-extract/internal/model"
	"github.com/sells-group/recipe-extract/internal/orchestrator"
)

var (
	extractURL     string
	extractUser    string
	extractSession string
	extractPaid    bool
	extractJSON    bool
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract one recipe from a URL",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		req := model.NewExtractionRequest(extractURL, buildIdentity(extractUser, extractSession, extractPaid))
		res, err := env.Orchestrator.Extract(ctx, req)
		if res != nil {
			if extractJSON {
				if encErr := writeResultJSON(os.Stdout, res); encErr != nil {
					return encErr
				}
			} else {
				formatResult(os.Stdout, req, res)
			}
		}
		if err != nil {
			return eris.Wrap(err, "extract")
		}
		return nil
	},
}

func init() {
	extractCmd.Flags().StringVar(&extractURL, "url", "", "recipe URL (required)")
	extractCmd.Flags().StringVar(&extractUser, "user", "", "authenticated user id")
	extractCmd.Flags().StringVar(&extractSession, "session", "", "anonymous session id (generated when neither --user nor --session is set)")
	extractCmd.Flags().BoolVar(&extractPaid, "paid", false, "user is on a paid plan")
	extractCmd.Flags().BoolVar(&extractJSON, "json", false, "print the full result as JSON")
	_ = extractCmd.MarkFlagRequired("url")
	rootCmd.AddCommand(extractCmd)
}

// buildIdentity maps CLI flags to an identity. A CLI caller with no identity
// gets a fresh anonymous session so the request is still rate limited.
func buildIdentity(user, session string, paid bool) model.Identity {
	var id model.Identity
	if u := strings.TrimSpace(user); u != "" {
		id.UserID = &u
		id.Paid = paid
	}
	s := strings.TrimSpace(session)
	if s == "" && id.UserID == nil {
		s = uuid.NewString()
	}
	if s != "" {
		id.SessionID = &s
	}
	return id
}

func writeResultJSON(w io.Writer, res *orchestrator.Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(res), "extract: encode result")
}

func formatResult(w io.Writer, req model.ExtractionRequest, res *orchestrator.Result) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "URL\t%s\n", req.RecipeURL)
	fmt.Fprintf(tw, "Domain\t%s\n", req.Domain)
	fmt.Fprintf(tw, "Status\t%s\n", res.Status)
	if res.Message != "" {
		fmt.Fprintf(tw, "Message\t%s\n", res.Message)
	}
	if res.Status == orchestrator.StatusRateLimited {
		fmt.Fprintf(tw, "Retry after\t%s\n", res.RetryAfter.Round(time.Second))
		tw.Flush() //nolint:errcheck
		return
	}
	fmt.Fprintf(tw, "Selected\t%s/%s (%s)\n", res.Choice.Strategy, res.Choice.Provider, res.Choice.Reason)
	if len(res.Attempts) > 0 {
		fmt.Fprintf(tw, "Attempts\t%s\n", strings.Join(res.AttemptedStrategies(), ", "))
	}
	if res.FallbackUsed {
		fmt.Fprintf(tw, "Fallback\t%s\n", res.FallbackReason)
	}
	if res.ErrorClass != model.ErrorClassNone {
		fmt.Fprintf(tw, "Error\t%s\n", res.ErrorClass)
	}
	if res.Cost != nil {
		fmt.Fprintf(tw, "Cost\t$%s\n", res.Cost.StringFixed(6))
	} else if res.Final != nil {
		fmt.Fprintf(tw, "Cost\tunknown\n")
	}
	if res.Final != nil {
		fmt.Fprintf(tw, "Completeness\t%.2f\n", res.Final.CompletenessScore)
		if len(res.Final.MissingFields) > 0 {
			fmt.Fprintf(tw, "Missing\t%s\n", strings.Join(res.Final.MissingFields, ", "))
		}
	}
	if res.Decision.Limit > 0 {
		fmt.Fprintf(tw, "Remaining today\t%d/%d\n", res.Decision.Remaining, res.Decision.Limit)
	}
	if r := res.Recipe; r != nil {
		fmt.Fprintf(tw, "Title\t%s\n", r.Title)
		fmt.Fprintf(tw, "Ingredients\t%d\n", len(r.Ingredients))
		fmt.Fprintf(tw, "Steps\t%d\n", len(r.Steps))
		if r.Category != "" {
			fmt.Fprintf(tw, "Category\t%s\n", r.Category)
		}
	}
	tw.Flush() //nolint:errcheck
}
