package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/recipe-extract/internal/cost"
	"github.com/sells-group/recipe-extract/internal/model"
)

var costsCmd = &cobra.Command{
	Use:   "costs",
	Short: "Manage AI provider token prices",
}

var costsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every price row",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		rates, err := st.ListCostRates(ctx)
		if err != nil {
			return eris.Wrap(err, "costs list")
		}
		if len(rates) == 0 {
			fmt.Fprintln(os.Stderr, "No cost rates found. Run `recipe-extract costs seed`.")
			return nil
		}
		formatRates(os.Stdout, rates)
		return nil
	},
}

var costsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Append a price row effective from a date",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		provider, _ := cmd.Flags().GetString("provider")
		modelName, _ := cmd.Flags().GetString("model")
		input, _ := cmd.Flags().GetString("input")
		output, _ := cmd.Flags().GetString("output")
		effective, _ := cmd.Flags().GetString("effective")

		rate, err := parseRate(provider, modelName, input, output, effective)
		if err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := cost.AddRate(ctx, st, rate); err != nil {
			return err
		}
		zap.L().Info("cost rate added",
			zap.String("provider", rate.Provider),
			zap.String("model", rate.Model),
			zap.Time("effective", rate.EffectiveDate),
		)
		return nil
	},
}

var costsSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Insert the built-in price list",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		effective, _ := cmd.Flags().GetString("effective")
		day, err := time.Parse(time.DateOnly, effective)
		if err != nil {
			return eris.Wrap(err, "costs seed: parse --effective")
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := st.SeedCostRates(ctx, cost.DefaultRates(day))
		if err != nil {
			return eris.Wrap(err, "costs seed")
		}
		zap.L().Info("cost rates seeded", zap.Int64("inserted", n))
		return nil
	},
}

// parseRate builds a rate row from CLI input. Prices are USD per million
// tokens. provider may be a vendor name or a provider enum.
func parseRate(provider, modelName, input, output, effective string) (model.AIProviderCost, error) {
	vendor := strings.ToLower(strings.TrimSpace(provider))
	if p, ok := model.ParseProvider(provider); ok {
		vendor = p.Vendor()
	}

	in, err := decimal.NewFromString(input)
	if err != nil {
		return model.AIProviderCost{}, eris.Wrap(err, "costs: parse --input")
	}
	out, err := decimal.NewFromString(output)
	if err != nil {
		return model.AIProviderCost{}, eris.Wrap(err, "costs: parse --output")
	}
	day, err := time.Parse(time.DateOnly, effective)
	if err != nil {
		return model.AIProviderCost{}, eris.Wrap(err, "costs: parse --effective")
	}

	return model.AIProviderCost{
		Provider:        vendor,
		Model:           strings.TrimSpace(modelName),
		InputTokenCost:  cost.PerToken(in),
		OutputTokenCost: cost.PerToken(out),
		EffectiveDate:   day,
	}, nil
}

func formatRates(w io.Writer, rates []model.AIProviderCost) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tMODEL\tINPUT $/1M\tOUTPUT $/1M\tEFFECTIVE")
	for _, r := range rates {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.Provider,
			r.Model,
			r.InputTokenCost.Shift(6).StringFixed(2),
			r.OutputTokenCost.Shift(6).StringFixed(2),
			r.EffectiveDate.UTC().Format(time.DateOnly),
		)
	}
	tw.Flush() //nolint:errcheck
}

func init() {
	costsAddCmd.Flags().String("provider", "", "vendor (openai, google, anthropic) or provider name (required)")
	costsAddCmd.Flags().String("model", "", "model name (required)")
	costsAddCmd.Flags().String("input", "", "input price in USD per million tokens (required)")
	costsAddCmd.Flags().String("output", "", "output price in USD per million tokens (required)")
	costsAddCmd.Flags().String("effective", time.Now().UTC().Format(time.DateOnly), "effective date (YYYY-MM-DD)")
	for _, f := range []string{"provider", "model", "input", "output"} {
		_ = costsAddCmd.MarkFlagRequired(f)
	}

	costsSeedCmd.Flags().String("effective", "2024-01-01", "effective date for the seed rows (YYYY-MM-DD)")

	costsCmd.AddCommand(costsListCmd, costsAddCmd, costsSeedCmd)
	rootCmd.AddCommand(costsCmd)
}
