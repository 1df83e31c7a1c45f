// cmd/riahunter is the command-line entry point: it loads adviser profiles
// into the corpus, fills in narrative embeddings, and answers hybrid
// searches.
//
// All logging goes to stderr; command results go to stdout.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/scrypster/riahunter/internal/config"
	"github.com/scrypster/riahunter/internal/logging"
)

// cli carries state resolved once in PersistentPreRunE.
type cli struct {
	configPath string
	verbose    bool

	cfg    *config.Config
	logger zerolog.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "riahunter:", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "riahunter",
		Short: "Hybrid search over investment adviser profiles",
		Long: `riahunter keeps a corpus of investment adviser firms and their business
narratives, embeds the narratives, and ranks firms for free-text queries by
combining vector similarity with trigram text matching.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			cfg, err := config.Load(c.configPath)
			if err != nil {
				return err
			}
			if c.verbose {
				cfg.Log.Level = "debug"
			}
			c.cfg = cfg
			c.logger = logging.New(cfg.Log)
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", os.Getenv(config.EnvPrefix+"_CONFIG"), "path to a YAML config file")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newIngestCmd(c),
		newEmbedCmd(c),
		newQueryCmd(c),
		newReindexCmd(c),
		newStatsCmd(c),
		newCorrectAUMCmd(c),
	)
	return root
}
