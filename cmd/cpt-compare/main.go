package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gyeh/cpt-compare/internal/compare"
	"github.com/gyeh/cpt-compare/internal/engine"
	"github.com/gyeh/cpt-compare/internal/fetch"
	"github.com/gyeh/cpt-compare/internal/mrf"
	"github.com/gyeh/cpt-compare/internal/output"
	"github.com/gyeh/cpt-compare/internal/progress"
	"github.com/gyeh/cpt-compare/internal/rates"
	"github.com/gyeh/cpt-compare/internal/scratch"
)

func main() {
	_ = godotenv.Load() // .env is optional

	rootCmd := &cobra.Command{
		Use:   "cpt-compare",
		Short: "Compare negotiated CPT rates between price-transparency MRF sources",
	}

	rootCmd.AddCommand(newLoadCmd())
	rootCmd.AddCommand(newFetchCmd())
	rootCmd.AddCommand(newCompareCmd())
	rootCmd.AddCommand(newSessionCmd())
	rootCmd.AddCommand(newSplitCmd())
	rootCmd.AddCommand(newGCCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(verbose bool) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	}
	log, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return log
}

func scratchRoot(flagVal string) string {
	if flagVal != "" {
		return flagVal
	}
	if env := os.Getenv("CPT_COMPARE_SCRATCH"); env != "" {
		return env
	}
	return "cached_mrf_files"
}

func newEngine(scratchDir string, verbose bool) (*engine.Engine, *zap.Logger, error) {
	log := newLogger(verbose)
	dirs, err := scratch.Open(scratchRoot(scratchDir))
	if err != nil {
		return nil, nil, err
	}
	return engine.New(dirs, log), log, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nInterrupted, cleaning up...")
		cancel()
	}()
	return ctx, cancel
}

func parseOptions(rule, negotiatedType, asOf string, excludeExpired bool) (compare.Options, error) {
	parsed, err := rates.ParseRule(rule)
	if err != nil {
		return compare.Options{}, err
	}
	opts := compare.Options{
		Rule:           parsed,
		NegotiatedType: negotiatedType,
		ExcludeExpired: excludeExpired,
	}
	if asOf != "" {
		t, err := time.Parse("2006-01-02", asOf)
		if err != nil {
			return compare.Options{}, fmt.Errorf("parsing --as-of: %w", err)
		}
		opts.AsOf = t
	}
	return opts, nil
}

func newLoadCmd() *cobra.Command {
	var (
		name       string
		format     string
		useSplit   bool
		outputFile string
		scratchDir string
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "load <file> [file...]",
		Short: "Load one file (or an ordered part sequence) and print its load report",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, log, err := newEngine(scratchDir, verbose)
			if err != nil {
				return err
			}
			defer log.Sync()

			if name == "" {
				name = strings.TrimSuffix(filepath.Base(args[0]), ".gz")
			}

			var report *engine.LoadReport
			switch {
			case len(args) > 1:
				report, err = eng.LoadSourceFromParts(args, name)
			case useSplit:
				report, err = eng.LoadSourceViaSplit(args[0], name)
			default:
				f := engine.Format(format)
				if format == "" {
					f = engine.DetectFormat(args[0])
				}
				report, err = eng.LoadSourceFromPath(args[0], name, f)
			}
			if err != nil {
				return err
			}
			return output.WriteJSON(outputFile, report)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "source name (default: file name)")
	cmd.Flags().StringVar(&format, "format", "", "json|json_gz|csv|excel (default: by extension)")
	cmd.Flags().BoolVar(&useSplit, "split", false, "shard the file with jsplit before ingesting")
	cmd.Flags().StringVarP(&outputFile, "output", "o", "-", "report output path, - for stdout")
	cmd.Flags().StringVar(&scratchDir, "scratch", "", "scratch directory")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	return cmd
}

func newFetchCmd() *cobra.Command {
	var (
		name       string
		region     string
		outputFile string
		scratchDir string
		verbose    bool
		noProgress bool
	)

	cmd := &cobra.Command{
		Use:   "fetch <url>",
		Short: "Fetch an MRF URL through the disk cache and load it as a source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, log, err := newEngine(scratchDir, verbose)
			if err != nil {
				return err
			}
			defer log.Sync()

			if !noProgress {
				mgr := progress.NewMPBManager()
				eng.Progress = mgr
				defer mgr.Wait()
			}

			ctx, cancel := signalContext()
			defer cancel()

			if strings.HasPrefix(args[0], "s3://") {
				s3c, err := fetch.NewS3Client(ctx, region)
				if err != nil {
					return err
				}
				eng.SetS3(s3c)
			}

			if name == "" {
				name = fetch.FileNameFromURL(args[0])
			}
			report, err := eng.FetchAndIngestURL(ctx, args[0], name)
			if err != nil {
				return err
			}
			return output.WriteJSON(outputFile, report)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "source name (default: URL basename)")
	cmd.Flags().StringVar(&region, "region", "us-east-1", "AWS region for s3:// URLs")
	cmd.Flags().StringVarP(&outputFile, "output", "o", "-", "report output path, - for stdout")
	cmd.Flags().StringVar(&scratchDir, "scratch", "", "scratch directory")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "disable progress bars")
	return cmd
}

func newCompareCmd() *cobra.Command {
	var (
		rule           string
		negotiatedType string
		excludeExpired bool
		asOf           string
		outputFile     string
		csvFile        string
		scratchDir     string
		verbose        bool
	)

	cmd := &cobra.Command{
		Use:   "compare <file1> <file2>",
		Short: "Load two sources and compare them under a rule",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, log, err := newEngine(scratchDir, verbose)
			if err != nil {
				return err
			}
			defer log.Sync()

			opts, err := parseOptions(rule, negotiatedType, asOf, excludeExpired)
			if err != nil {
				return err
			}

			for i, path := range args {
				name := fmt.Sprintf("source%d", i+1)
				if _, err := eng.LoadSourceFromPath(path, name, engine.DetectFormat(path)); err != nil {
					return fmt.Errorf("loading %s: %w", path, err)
				}
			}

			report, err := eng.Compare("source1", "source2", opts)
			if err != nil {
				return err
			}
			if csvFile != "" {
				if err := eng.ExportComparisonCSV(csvFile, report); err != nil {
					return err
				}
			}
			return output.WriteJSON(outputFile, report)
		},
	}

	cmd.Flags().StringVar(&rule, "rule", "max", "compare rule: max|min|avg|median|max_avg_by_billing_class|all_classes|per_occurrence|context")
	cmd.Flags().StringVar(&negotiatedType, "negotiated-type", "", "keep only rates of this negotiated type")
	cmd.Flags().BoolVar(&excludeExpired, "exclude-expired", false, "drop rates expired before --as-of")
	cmd.Flags().StringVar(&asOf, "as-of", "", "expiry cutoff date (YYYY-MM-DD, default today)")
	cmd.Flags().StringVarP(&outputFile, "output", "o", "-", "report output path, - for stdout")
	cmd.Flags().StringVar(&csvFile, "csv", "", "also export the report as CSV to this path")
	cmd.Flags().StringVar(&scratchDir, "scratch", "", "scratch directory")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	return cmd
}

func newSessionCmd() *cobra.Command {
	var (
		baselineFile   string
		sourceName     string
		rule           string
		negotiatedType string
		excludeExpired bool
		asOf           string
		finalize       bool
		outputFile     string
		scratchDir     string
		verbose        bool
	)

	cmd := &cobra.Command{
		Use:   "session <part> [part...]",
		Short: "Stream parts against a baseline, printing the snapshot after each part",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, log, err := newEngine(scratchDir, verbose)
			if err != nil {
				return err
			}
			defer log.Sync()

			opts, err := parseOptions(rule, negotiatedType, asOf, excludeExpired)
			if err != nil {
				return err
			}

			if _, err := eng.LoadSourceFromPath(baselineFile, "baseline", engine.DetectFormat(baselineFile)); err != nil {
				return fmt.Errorf("loading baseline %s: %w", baselineFile, err)
			}

			sessionID, err := eng.SessionBeginOrResume("", sourceName, "baseline")
			if err != nil {
				return err
			}

			params := compare.Params{
				Rule:           opts.Rule,
				NegotiatedType: opts.NegotiatedType,
				ExcludeExpired: opts.ExcludeExpired,
				AsOf:           opts.AsOf,
			}

			var snap *compare.Snapshot
			for i, part := range args {
				snap, err = eng.SessionProcessPart(sessionID, part, params)
				if err != nil {
					return fmt.Errorf("part %d (%s): %w", i+1, part, err)
				}
				log.Info("part committed",
					zap.Int("part", i+1),
					zap.Int("total_compared", snap.TotalCompared),
					zap.Int("higher_in_source1", snap.HigherInSource1Count),
					zap.Int("higher_in_source2", snap.HigherInSource2Count))
			}

			if finalize {
				report, err := eng.SessionFinalize(sessionID)
				if err != nil {
					return err
				}
				return output.WriteJSON(outputFile, report)
			}
			return output.WriteJSON(outputFile, snap)
		},
	}

	cmd.Flags().StringVar(&baselineFile, "baseline", "", "baseline source file (required)")
	cmd.MarkFlagRequired("baseline")
	cmd.Flags().StringVar(&sourceName, "name", "", "display name for the streamed source")
	cmd.Flags().StringVar(&rule, "rule", "max", "compare rule (context is batch-only)")
	cmd.Flags().StringVar(&negotiatedType, "negotiated-type", "", "keep only rates of this negotiated type")
	cmd.Flags().BoolVar(&excludeExpired, "exclude-expired", false, "drop rates expired before --as-of")
	cmd.Flags().StringVar(&asOf, "as-of", "", "expiry cutoff date (YYYY-MM-DD, default today)")
	cmd.Flags().BoolVar(&finalize, "finalize", false, "after all parts, verify with a full batch comparison")
	cmd.Flags().StringVarP(&outputFile, "output", "o", "-", "output path, - for stdout")
	cmd.Flags().StringVar(&scratchDir, "scratch", "", "scratch directory")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	return cmd
}

func newSplitCmd() *cobra.Command {
	var (
		outDir  string
		verbose bool
	)

	cmd := &cobra.Command{
		Use:   "split <file>",
		Short: "Shard a monolithic MRF JSON file into NDJSON with jsplit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(verbose)
			defer log.Sync()

			result, err := mrf.SplitFile(args[0], outDir)
			if err != nil {
				return err
			}
			log.Info("split complete",
				zap.String("dir", result.Dir),
				zap.Int("in_network_shards", len(result.InNetworkFiles)))
			return nil
		},
	}

	cmd.Flags().StringVar(&outDir, "out", "split_out", "output directory for shards")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	return cmd
}

func newGCCmd() *cobra.Command {
	var (
		maxAge     time.Duration
		scratchDir string
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Remove scratch files older than --max-age (session snapshots are kept)",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, log, err := newEngine(scratchDir, verbose)
			if err != nil {
				return err
			}
			defer log.Sync()

			removed, err := eng.GC(maxAge)
			if err != nil {
				return err
			}
			fmt.Printf("removed %d stale scratch entries\n", removed)
			return nil
		},
	}

	cmd.Flags().DurationVar(&maxAge, "max-age", 24*time.Hour, "age threshold for removal")
	cmd.Flags().StringVar(&scratchDir, "scratch", "", "scratch directory")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	return cmd
}
