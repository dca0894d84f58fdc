package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/recipe-extract/internal/model"
	"github.com/sells-group/recipe-extract/internal/report"
)

var domainsCmd = &cobra.Command{
	Use:   "domains",
	Short: "Show per-domain extraction performance",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		format, err := formatFlag(cmd)
		if err != nil {
			return err
		}
		domain, _ := cmd.Flags().GetString("domain")
		limit, _ := cmd.Flags().GetInt("limit")

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		var rows []report.DomainRow
		if domain != "" {
			agg, err := st.GetDomainAggregate(ctx, model.DomainOf("https://"+domain))
			if err != nil {
				return eris.Wrap(err, "domains: get aggregate")
			}
			if agg != nil {
				rows = append(rows, report.NewDomainRow(agg))
			}
		} else {
			rows, err = report.NewCollector(st).Domains(ctx, limit)
			if err != nil {
				return err
			}
		}

		if len(rows) == 0 {
			fmt.Fprintln(os.Stderr, "No domain history found.")
			return nil
		}
		return report.WriteDomains(os.Stdout, rows, format)
	},
}

var domainsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export domain performance to a spreadsheet",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		path, _ := cmd.Flags().GetString("xlsx")
		limit, _ := cmd.Flags().GetInt("limit")

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		rows, err := report.NewCollector(st).Domains(ctx, limit)
		if err != nil {
			return err
		}

		f, err := os.Create(path)
		if err != nil {
			return eris.Wrap(err, "domains export: create file")
		}
		if err := report.WriteXLSX(f, rows); err != nil {
			f.Close() //nolint:errcheck
			return err
		}
		if err := f.Close(); err != nil {
			return eris.Wrap(err, "domains export: close file")
		}

		zap.L().Info("domains exported", zap.String("path", path), zap.Int("rows", len(rows)))
		return nil
	},
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Summarize recent extraction telemetry",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		format, err := formatFlag(cmd)
		if err != nil {
			return err
		}
		domain, _ := cmd.Flags().GetString("domain")
		hours, _ := cmd.Flags().GetInt("hours")
		if domain != "" {
			domain = model.DomainOf("https://" + domain)
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		snap, err := report.NewCollector(st).Collect(ctx, domain, hours)
		if err != nil {
			return err
		}
		return report.WriteSnapshot(os.Stdout, snap, format)
	},
}

func formatFlag(cmd *cobra.Command) (report.Format, error) {
	s, _ := cmd.Flags().GetString("format")
	return report.ParseFormat(s)
}

func init() {
	domainsCmd.Flags().String("domain", "", "show a single domain")
	domainsCmd.Flags().Int("limit", 50, "max domains to list")
	domainsCmd.Flags().String("format", "table", "output format: table, json, yaml")

	domainsExportCmd.Flags().String("xlsx", "domains.xlsx", "output workbook path")
	domainsExportCmd.Flags().Int("limit", 1000, "max domains to export")

	reportCmd.Flags().String("domain", "", "restrict to one domain")
	reportCmd.Flags().Int("hours", 24, "lookback window in hours")
	reportCmd.Flags().String("format", "table", "output format: table, json, yaml")

	domainsCmd.AddCommand(domainsExportCmd)
	rootCmd.AddCommand(domainsCmd)
	rootCmd.AddCommand(reportCmd)
}
