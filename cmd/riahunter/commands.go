package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/scrypster/riahunter/internal/embedding"
	"github.com/scrypster/riahunter/internal/engine"
	"github.com/scrypster/riahunter/internal/ingest"
	"github.com/scrypster/riahunter/internal/worker"
	"github.com/scrypster/riahunter/pkg/types"
)

func newIngestCmd(c *cli) *cobra.Command {
	var (
		aumInDollars bool
		embed        bool
	)

	cmd := &cobra.Command{
		Use:   "ingest <file.csv|file.yaml>",
		Short: "Load adviser profiles into the corpus",
		Long: `Load adviser profiles from a CSV or YAML export. Rows without a firm name
are skipped; rows without a CRD number get synthetic IDs. Rows without a
narrative get one composed from their fields.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			records, err := ingest.ReadFile(args[0])
			if err != nil {
				return err
			}

			a, err := openApp(c.cfg, c.logger, openOptions{needEmbedder: embed})
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.warm(ctx); err != nil {
				return err
			}

			loader, err := ingest.NewLoader(a.corpus, ingest.Options{AUMInDollars: aumInDollars, Logger: c.logger})
			if err != nil {
				return err
			}
			report, err := loader.Load(ctx, records)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "loaded %d of %d rows (%d synthetic IDs, %d composed narratives, %d skipped)\n",
				report.Loaded, report.Rows, report.Synthetic, report.Composed, report.Skipped)

			if embed {
				wc := worker.ConfigFromSettings(c.cfg.Worker)
				wc.Once = true
				if err := runEmbedding(cmd, a, wc); err != nil {
					return err
				}
			}
			a.flush(ctx)
			return nil
		},
	}

	cmd.Flags().BoolVar(&aumInDollars, "aum-in-dollars", false, "source AUM is already in whole dollars")
	cmd.Flags().BoolVar(&embed, "embed", false, "embed the loaded narratives right away")
	return cmd
}

func newEmbedCmd(c *cli) *cobra.Command {
	var (
		watch      bool
		replicas   int
		partitions int
	)

	cmd := &cobra.Command{
		Use:   "embed",
		Short: "Embed narratives that have no embedding yet",
		Long: `Run supervised workers over the embedding backlog. By default every
partition is passed once and the command exits; with --watch passes repeat
until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(c.cfg, c.logger, openOptions{needEmbedder: true})
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.warm(cmd.Context()); err != nil {
				return err
			}

			wc := worker.ConfigFromSettings(c.cfg.Worker)
			wc.Once = !watch
			if replicas > 0 {
				wc.Replicas = replicas
			}
			if partitions > 0 {
				wc.Partitions = partitions
			}
			err = runEmbedding(cmd, a, wc)
			a.flush(context.WithoutCancel(cmd.Context()))
			if watch && errors.Is(err, cmd.Context().Err()) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "keep running passes until interrupted")
	cmd.Flags().IntVar(&replicas, "replicas", 0, "concurrent workers (default from config)")
	cmd.Flags().IntVar(&partitions, "partitions", 0, "modulo partitions of the ID space (default from config)")
	return cmd
}

// runEmbedding drives the backlog under a supervisor.
func runEmbedding(cmd *cobra.Command, a *app, wc worker.Config) error {
	proc, err := embedding.NewBacklogProcessor(a.generator, a.corpus, embedding.ProcessorOptions{
		BatchSize: a.cfg.Embedding.BatchSize,
		PoolSize:  a.cfg.Worker.PoolSize,
		Logger:    a.logger,
	})
	if err != nil {
		return err
	}
	defer proc.Release()

	sup, err := worker.New(proc, a.corpus, wc, a.logger)
	if err != nil {
		return err
	}
	summary, err := sup.Run(cmd.Context())
	if summary != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "embedded %d narratives (%d blank skipped, %d stale, %d failed, %d crashed passes)\n",
			summary.Embedded, summary.SkippedBlank, summary.Stale, summary.Failed, summary.Crashes)
	}
	return err
}

func newQueryCmd(c *cli) *cobra.Command {
	var (
		region      string
		minAssets   float64
		minActivity int
		limit       int
		asJSON      bool
	)

	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Search the corpus",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(c.cfg, c.logger, openOptions{needEmbedder: true})
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.warm(cmd.Context()); err != nil {
				return err
			}
			s, err := a.searcher()
			if err != nil {
				return err
			}

			filter := types.QueryFilter{Region: region}
			if cmd.Flags().Changed("min-assets") {
				filter.MinAssets = &minAssets
			}
			if cmd.Flags().Changed("min-activity") {
				filter.MinActivity = &minActivity
			}

			resp, err := s.Search(cmd.Context(), engine.Request{
				Text:   strings.Join(args, " "),
				Filter: filter,
				Limit:  limit,
			})
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(resp)
			}
			printResults(cmd.OutOrStdout(), resp)
			return nil
		},
	}

	cmd.Flags().StringVar(&region, "region", "", "state / region code, e.g. MO")
	cmd.Flags().Float64Var(&minAssets, "min-assets", 0, "minimum assets under management in dollars")
	cmd.Flags().IntVar(&minActivity, "min-activity", 0, "minimum private fund count")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum number of results (default from config)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printResults(out io.Writer, resp *engine.Response) {
	if len(resp.Degraded) > 0 {
		fmt.Fprintf(out, "warning: results exclude %s search\n", strings.Join(resp.Degraded, " and "))
	}
	if len(resp.Items) == 0 {
		fmt.Fprintln(out, "no matches")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tFIRM\tREGION\tAUM\tSCORE\tVECTOR\tLEXICAL")
	for _, it := range resp.Items {
		aum := "-"
		if it.Entity.AUM != nil {
			aum = ingest.FormatAUM(*it.Entity.AUM)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%.3f\t%.3f\t%.3f\n",
			it.Entity.ID, it.Entity.DisplayName, it.Entity.Region, aum,
			it.Score, it.VectorSimilarity, it.LexicalScore)
	}
	w.Flush()
}

func newReindexCmd(c *cli) *cobra.Command {
	var (
		clearEmbeddings bool
		resetDimension  bool
	)

	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the vector and lexical indexes from the store",
		Long: `Rebuild the in-memory indexes from the corpus store and refresh the
snapshot. After changing embedding.dimension, pass --clear-embeddings (and
--reset-dimension on PostgreSQL) and run embed again.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(c.cfg, c.logger, openOptions{resetDimension: resetDimension})
			if err != nil {
				return err
			}
			defer a.close()

			if clearEmbeddings {
				n, err := a.corpus.ClearEmbeddings(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cleared %d embeddings\n", n)
			}
			report, err := a.corpus.Rebuild(ctx)
			if err != nil {
				return err
			}
			a.flush(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "indexed %d entities, %d narratives, %d vectors\n",
				report.Entities, report.Narratives, report.Vectors)
			return nil
		},
	}

	cmd.Flags().BoolVar(&clearEmbeddings, "clear-embeddings", false, "drop every stored embedding first")
	cmd.Flags().BoolVar(&resetDimension, "reset-dimension", false, "allow the PostgreSQL store to retype the embedding column")
	return cmd
}

func newStatsCmd(c *cli) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show corpus and index health",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(c.cfg, c.logger, openOptions{})
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.warm(cmd.Context()); err != nil {
				return err
			}
			d, err := a.corpus.Diagnostics(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(d)
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "entities\t%d\n", d.Store.Entities)
			fmt.Fprintf(w, "narratives\t%d\n", d.Store.Narratives)
			fmt.Fprintf(w, "embedded\t%d\n", d.Store.Embedded)
			fmt.Fprintf(w, "missing embeddings\t%d\n", d.Store.MissingEmbeddings)
			fmt.Fprintf(w, "blank narratives\t%d\n", d.Store.BlankNarratives)
			fmt.Fprintf(w, "uncorrected AUM\t%d\n", d.Store.UncorrectedAUM)
			fmt.Fprintf(w, "vector index\t%s (%d vectors)\n", d.VectorBackend, d.VectorCount)
			fmt.Fprintf(w, "lexical index\t%d narratives\n", d.LexicalCount)
			w.Flush()
			for _, warn := range d.Warnings {
				fmt.Fprintln(out, "warning:", warn)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newCorrectAUMCmd(c *cli) *cobra.Command {
	var multiplier float64

	cmd := &cobra.Command{
		Use:   "correct-aum",
		Short: "Convert AUM reported in thousands to whole dollars",
		Long: `Multiply AUM by --multiplier on every record not yet marked as whole
dollars, and mark them. Records already corrected are left alone, so running
the command twice changes nothing the second time.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(c.cfg, c.logger, openOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			n, err := a.corpus.CorrectAUMUnits(cmd.Context(), multiplier)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "corrected AUM on %d records\n", n)
			return nil
		},
	}

	cmd.Flags().Float64Var(&multiplier, "multiplier", 1000, "factor applied to uncorrected AUM values")
	return cmd
}
