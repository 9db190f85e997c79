// Command ableron-fetch resolves the include markers in a local HTML file
// and writes the composed document to stdout, for quick manual inspection
// of the transclusion engine without standing up a full server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/ableron-go/ableron/ableron"
	"go.uber.org/zap"
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("ableron-fetch", flag.ContinueOnError)
	flags.SetOutput(io.Discard)

	var (
		configPath = flags.String("config", "", "path to a YAML config file")
		timeout    = flags.Duration("timeout", 0, "override fragment request timeout")
		debug      = flags.Bool("debug", false, "enable debug logging")
		stats      = flags.Bool("stats", false, "append resolution stats as an HTML comment")
		showHelp   = flags.Bool("help", false, "show help")
	)

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			printUsage(stdout)
			return nil
		}
		printUsage(stderr)
		return err
	}

	if *showHelp || flags.NArg() < 1 {
		printUsage(stdout)
		if !*showHelp {
			return errors.New("missing input file")
		}
		return nil
	}

	logger, err := newLogger(*debug)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck
	ableron.SetLogger(logger)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if *timeout > 0 {
		cfg.FragmentRequestTimeout = *timeout
	}
	cfg.StatsAppendToContent = *stats

	content, err := os.ReadFile(flags.Arg(0))
	if err != nil {
		return fmt.Errorf("reading input file: %w", err)
	}

	processor := ableron.NewProcessor(cfg)
	result := processor.ResolveIncludes(ctx, string(content), http.Header{})

	logger.Info("resolved includes",
		zap.Int("count", result.ProcessedIncludeCount),
		zap.Duration("took", result.ProcessingTime),
		zap.Bool("has_primary_include", result.HasPrimaryInclude),
		zap.Int("primary_status", result.PrimaryStatusCode))

	_, err = io.WriteString(stdout, result.Content)
	return err
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func loadConfig(path string) (ableron.Config, error) {
	if path == "" {
		return ableron.NewConfig(), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return ableron.Config{}, err
	}
	defer f.Close()

	return ableron.LoadConfig(f)
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `ableron-fetch - resolve include markers in a local file

Usage:
  ableron-fetch [options] FILE

Options:
  --config PATH    Path to a YAML config file
  --timeout DUR    Override fragment request timeout (e.g. 500ms)
  --debug          Enable debug logging
  --stats          Append resolution stats as an HTML comment
  --help           Show this help

`)
}
