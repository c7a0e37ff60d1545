package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"stock_crawler/config"
	"stock_crawler/middleware"
	"stock_crawler/models"
)

// Process exit codes
const (
	exitOK    = 0
	exitInit  = 1
	exitUsage = 2
)

const usageText = `Usage: stock_crawler <command> [options]

Commands:
  run [--mode once|scheduled]     sync tracked symbols once or on FETCH_SCHEDULE
  stats                           record counts and date coverage per symbol
  list                            tracked symbols and the active data source
  query <symbol> [--limit N]      most recent stored records for a symbol
  add <symbols...>                print the STOCK_SYMBOLS value including new symbols
  raw <symbol> [--function F] [--param k=v] [--granularity G]
                                  fetch one raw provider response and archive it
  raw-latest <symbol> [--source S] [--granularity G]
                                  newest successful archived response
  probe                           check that the data source is reachable
  token [--subject S] [--ttl D]   issue an operator token for POST /api/v1/sync
`

// errUsage marks errors that should print usage and exit 2
var errUsage = errors.New("usage")

func usageErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", errUsage, fmt.Sprintf(format, args...))
}

type command func(ctx context.Context, args []string, stdout io.Writer) error

func commands() map[string]command {
	return map[string]command{
		"run":        runCommand,
		"stats":      statsCommand,
		"list":       listCommand,
		"query":      queryCommand,
		"add":        addCommand,
		"raw":        rawCommand,
		"raw-latest": rawLatestCommand,
		"probe":      probeCommand,
		"token":      tokenCommand,
	}
}

// run dispatches args to a command and returns the process exit code
func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		fmt.Fprint(stderr, usageText)
		if len(args) == 0 {
			return exitUsage
		}
		return exitOK
	}

	cmd, ok := commands()[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usageText)
		return exitUsage
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd(ctx, args[1:], stdout); err != nil {
		if errors.Is(err, errUsage) || errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(stderr, "%v\n\n%s", err, usageText)
			return exitUsage
		}
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitInit
	}
	return exitOK
}

// parseFlags parses fs and requires exactly want positional arguments
// (-1 means at least one).
func parseFlags(fs *flag.FlagSet, args []string, want int) ([]string, error) {
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		return nil, usageErrorf("%s: %v", fs.Name(), err)
	}
	rest := fs.Args()

	// allow flags after the positional argument, e.g. "query AAPL --limit 5"
	if want > 0 && len(rest) > want {
		if err := fs.Parse(rest[want:]); err != nil {
			return nil, usageErrorf("%s: %v", fs.Name(), err)
		}
		rest = append(rest[:want:want], fs.Args()...)
	}

	switch {
	case want < 0 && len(rest) == 0:
		return nil, usageErrorf("%s: at least one argument is required", fs.Name())
	case want >= 0 && len(rest) != want:
		return nil, usageErrorf("%s: expected %d argument(s), got %d", fs.Name(), want, len(rest))
	}
	return rest, nil
}

func runCommand(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	mode := fs.String("mode", "scheduled", "once or scheduled")
	if _, err := parseFlags(fs, args, 0); err != nil {
		return err
	}
	if *mode != "once" && *mode != "scheduled" {
		return usageErrorf("run: --mode must be once or scheduled, got %q", *mode)
	}

	a, err := newApp(ctx, needs{crawler: true, probe: true})
	if err != nil {
		return err
	}

	if *mode == "once" {
		defer a.shutdown()
		summary := a.crawler.RunCycle(ctx)
		fmt.Fprintf(stdout, "processed %d/%d symbols, saved %d records, %d failed (%s)\n",
			summary.Processed, summary.Symbols, summary.Saved, len(summary.Failed), summary.Duration)
		return nil
	}

	if err := a.startScheduler(); err != nil {
		a.shutdown()
		return err
	}
	a.startStatusServer()

	<-ctx.Done()
	a.log.Info("Received shutdown signal, shutting down gracefully...")
	a.shutdown()
	return nil
}

func statsCommand(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	if _, err := parseFlags(fs, args, 0); err != nil {
		return err
	}

	a, err := newApp(ctx, needs{})
	if err != nil {
		return err
	}
	defer a.shutdown()

	stats, err := a.prices.Stats(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "Total records: %d\n", stats.TotalRecords)
	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SYMBOL\tRECORDS\tFIRST\tLAST")
	for _, s := range stats.Symbols {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", s.Symbol, s.Records,
			s.FirstDate.Format(models.DateLayout), s.LastDate.Format(models.DateLayout))
	}
	return w.Flush()
}

func listCommand(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	if _, err := parseFlags(fs, args, 0); err != nil {
		return err
	}

	cfg, err := loadValidConfig()
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Data source: %s\n", cfg.DefaultDataSource)
	fmt.Fprintf(stdout, "Schedule: %s (UTC)\n", cfg.FetchSchedule)
	for _, s := range cfg.SymbolsList() {
		fmt.Fprintln(stdout, s)
	}
	return nil
}

func queryCommand(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("query", flag.ContinueOnError)
	limit := fs.Int("limit", 10, "number of records")
	rest, err := parseFlags(fs, args, 1)
	if err != nil {
		return err
	}
	if *limit <= 0 {
		return usageErrorf("query: --limit must be positive")
	}

	a, err := newApp(ctx, needs{})
	if err != nil {
		return err
	}
	defer a.shutdown()

	symbol := models.NormalizeSymbol(rest[0])
	records, err := a.prices.GetRecent(ctx, symbol, *limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintf(stdout, "No records for %s\n", symbol)
		return nil
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DATE\tOPEN\tHIGH\tLOW\tCLOSE\tVOLUME\tSOURCE")
	for _, r := range records {
		volume := "-"
		if r.Volume.Valid {
			volume = fmt.Sprint(r.Volume.Int64)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Date.Format(models.DateLayout),
			decimalText(r.OpenPrice.Valid, r.OpenPrice.Decimal.String()),
			decimalText(r.HighPrice.Valid, r.HighPrice.Decimal.String()),
			decimalText(r.LowPrice.Valid, r.LowPrice.Decimal.String()),
			decimalText(r.ClosePrice.Valid, r.ClosePrice.Decimal.String()),
			volume, r.DataSource)
	}
	return w.Flush()
}

func decimalText(valid bool, s string) string {
	if !valid {
		return "-"
	}
	return s
}

// addCommand prints the STOCK_SYMBOLS value that adds symbols. The symbol
// list lives in configuration, so nothing is written.
func addCommand(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("add", flag.ContinueOnError)
	rest, err := parseFlags(fs, args, -1)
	if err != nil {
		return err
	}

	cfg, err := loadValidConfig()
	if err != nil {
		return err
	}

	current := cfg.SymbolsList()
	known := make(map[string]bool, len(current))
	for _, s := range current {
		known[s] = true
	}

	var added []string
	for _, arg := range rest {
		for _, s := range strings.Split(arg, ",") {
			s = models.NormalizeSymbol(s)
			if s == "" || known[s] {
				continue
			}
			known[s] = true
			added = append(added, s)
		}
	}

	if len(added) == 0 {
		fmt.Fprintln(stdout, "All symbols are already tracked")
		return nil
	}
	fmt.Fprintf(stdout, "New symbols: %s\n", strings.Join(added, ", "))
	fmt.Fprintln(stdout, "Set this in your environment or .env file and restart the crawler:")
	fmt.Fprintf(stdout, "STOCK_SYMBOLS=%s\n", strings.Join(append(current, added...), ","))
	return nil
}

// paramFlags collects repeated --param key=value flags
type paramFlags map[string]string

func (p paramFlags) String() string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k+"="+p[k])
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

func (p paramFlags) Set(value string) error {
	key, val, ok := strings.Cut(value, "=")
	if !ok || key == "" {
		return fmt.Errorf("param must be key=value, got %q", value)
	}
	p[key] = val
	return nil
}

func rawCommand(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("raw", flag.ContinueOnError)
	function := fs.String("function", "", "provider function (default: the source's daily function)")
	granularity := fs.String("granularity", "", "override the stored granularity")
	params := paramFlags{}
	fs.Var(params, "param", "extra provider parameter key=value (repeatable)")
	rest, err := parseFlags(fs, args, 1)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, needs{source: true, archive: true})
	if err != nil {
		return err
	}
	defer a.shutdown()

	fn := *function
	if fn == "" {
		fn = a.source.DefaultFunction()
	}
	env := a.source.FetchRaw(ctx, models.NormalizeSymbol(rest[0]), fn, params)
	if *granularity != "" {
		env.TimeGranularity = *granularity
	}

	saved := a.archive.SaveRaw(ctx, env)
	fmt.Fprintf(stdout, "%s %s %s: %s", env.DataSource, env.StockCode, fn, env.ResponseStatus)
	if env.PriceDateRange != nil {
		fmt.Fprintf(stdout, " (%s)", *env.PriceDateRange)
	}
	fmt.Fprintln(stdout)
	if env.ErrorMessage != nil {
		fmt.Fprintf(stdout, "error: %s\n", *env.ErrorMessage)
	}
	if !saved {
		return errors.New("raw response was not archived")
	}
	if env.ResponseStatus == models.StatusError {
		return fmt.Errorf("%s returned an error response", env.DataSource)
	}
	return nil
}

func rawLatestCommand(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("raw-latest", flag.ContinueOnError)
	source := fs.String("source", "", "data source filter (default: any)")
	granularity := fs.String("granularity", models.GranularityDaily, "granularity filter; empty matches any")
	rest, err := parseFlags(fs, args, 1)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, needs{archive: true})
	if err != nil {
		return err
	}
	defer a.shutdown()

	symbol := models.NormalizeSymbol(rest[0])
	env, err := a.archive.LatestRaw(ctx, symbol, *source, *granularity)
	if err != nil {
		return err
	}
	if env == nil {
		fmt.Fprintf(stdout, "No archived response for %s\n", symbol)
		return nil
	}

	fmt.Fprintf(stdout, "Source: %s\n", env.DataSource)
	fmt.Fprintf(stdout, "Granularity: %s\n", env.TimeGranularity)
	fmt.Fprintf(stdout, "Crawled: %s\n", env.CrawlSaveTime.UTC().Format(time.RFC3339))
	if env.PriceDateRange != nil {
		fmt.Fprintf(stdout, "Range: %s\n", *env.PriceDateRange)
	}
	fmt.Fprintln(stdout, env.ResponseJSON)
	return nil
}

func probeCommand(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("probe", flag.ContinueOnError)
	if _, err := parseFlags(fs, args, 0); err != nil {
		return err
	}

	a, err := newApp(ctx, needs{source: true})
	if err != nil {
		return err
	}
	defer a.shutdown()

	if !a.source.IsAvailable(ctx) {
		return fmt.Errorf("%s: unavailable", a.source.Name())
	}
	fmt.Fprintf(stdout, "%s: available\n", a.source.Name())
	return nil
}

func tokenCommand(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	subject := fs.String("subject", "operator", "token subject")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if _, err := parseFlags(fs, args, 0); err != nil {
		return err
	}
	if *ttl <= 0 {
		return usageErrorf("token: --ttl must be positive")
	}

	cfg, err := loadValidConfig()
	if err != nil {
		return err
	}
	token, err := middleware.IssueToken(cfg.APIJWTSecret, *subject, *ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, token)
	return nil
}

func loadValidConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
