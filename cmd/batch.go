package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/recipe-extract/internal/model"
	"github.com/sells-group/recipe-extract/internal/orchestrator"
)

var (
	batchFile        string
	batchConcurrency int
	batchUser        string
	batchLimit       int
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Extract recipes for every URL in a file",
	Long:  "Reads one URL per line (blank lines and # comments skipped) and extracts them concurrently under one identity.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		f, err := os.Open(batchFile)
		if err != nil {
			return eris.Wrap(err, "batch: open url file")
		}
		urls, err := readURLs(f, batchLimit)
		f.Close() //nolint:errcheck
		if err != nil {
			return err
		}

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		concurrency := batchConcurrency
		if concurrency <= 0 {
			concurrency = cfg.Orchestrator.MaxConcurrent
		}

		identity := buildIdentity(batchUser, "", true)
		return processBatch(ctx, os.Stdout, env.Orchestrator, urls, identity, concurrency)
	},
}

func init() {
	batchCmd.Flags().StringVar(&batchFile, "file", "", "file with one recipe URL per line (required)")
	batchCmd.Flags().IntVar(&batchConcurrency, "concurrency", 0, "parallel extractions (default orchestrator.max_concurrent)")
	batchCmd.Flags().StringVar(&batchUser, "user", "", "user id the batch runs as")
	batchCmd.Flags().IntVar(&batchLimit, "limit", 0, "max number of URLs to process (0 = all)")
	_ = batchCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(batchCmd)
}

// readURLs reads one URL per line. Blank lines and lines starting with #
// are skipped.
func readURLs(r io.Reader, limit int) ([]string, error) {
	var urls []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
		if limit > 0 && len(urls) >= limit {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrap(err, "batch: read url file")
	}
	return urls, nil
}

// batchRunner is the slice of the orchestrator processBatch needs.
type batchRunner interface {
	ExtractBatch(ctx context.Context, reqs []model.ExtractionRequest, concurrency int) []orchestrator.BatchItem
}

// processBatch runs every URL and prints one line per result in input order.
func processBatch(ctx context.Context, w io.Writer, runner batchRunner, urls []string, identity model.Identity, concurrency int) error {
	if len(urls) == 0 {
		zap.L().Info("batch: no urls to process")
		return nil
	}

	zap.L().Info("processing batch",
		zap.Int("urls", len(urls)),
		zap.Int("concurrency", concurrency),
	)

	reqs := make([]model.ExtractionRequest, 0, len(urls))
	for _, u := range urls {
		reqs = append(reqs, model.NewExtractionRequest(u, identity))
	}

	var succeeded, failed int
	for _, item := range runner.ExtractBatch(ctx, reqs, concurrency) {
		switch {
		case item.Err != nil:
			failed++
			fmt.Fprintf(w, "%s\terror\t%v\n", item.Request.RecipeURL, item.Err)
		case item.Result.Status == orchestrator.StatusSuccess:
			succeeded++
			title := ""
			if item.Result.Recipe != nil {
				title = item.Result.Recipe.Title
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", item.Request.RecipeURL, item.Result.Status,
				strings.Join(item.Result.AttemptedStrategies(), ","), title)
		default:
			failed++
			fmt.Fprintf(w, "%s\t%s\t%s\n", item.Request.RecipeURL, item.Result.Status, item.Result.ErrorClass)
		}
	}

	zap.L().Info("batch complete",
		zap.Int("succeeded", succeeded),
		zap.Int("failed", failed),
	)

	if err := ctx.Err(); err != nil {
		return eris.Wrap(err, "batch processing")
	}
	return nil
}
