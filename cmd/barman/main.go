// barman manages historical market bars: it lists stored series, imports
// and exports CSV files, downloads bars and ticks from the configured
// provider, refreshes every series to the latest data, and deletes
// series.
//
// Usage:
//
//	barman overviews
//	barman import --file bars.csv --symbol BTCUSDT --exchange BINANCE --interval 1m
//	barman export --file out.csv --symbol BTCUSDT --exchange BINANCE --interval 1m --start 2024-01-01 --end 2024-01-31
//	barman show --symbol BTCUSDT --exchange BINANCE --interval 1m --start 2024-01-01 --end 2024-01-02
//	barman download --symbol BTCUSDT --exchange BINANCE --interval 1h --start 2024-01-01
//	barman ticks --symbol BTCUSDT --exchange BINANCE --start 2024-01-01
//	barman update
//	barman delete --symbol BTCUSDT --exchange BINANCE --interval 1m
//
// For detailed help on any command, use: barman <command> --help
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/johnayoung/go-bar-manager/internal/config"
	"github.com/johnayoung/go-bar-manager/internal/csvio"
	"github.com/johnayoung/go-bar-manager/internal/downloader"
	"github.com/johnayoung/go-bar-manager/internal/logger"
	"github.com/johnayoung/go-bar-manager/internal/manager"
	"github.com/johnayoung/go-bar-manager/internal/models"
	"github.com/johnayoung/go-bar-manager/internal/provider"
	"github.com/johnayoung/go-bar-manager/internal/storage"
)

// Exit codes following standard conventions.
const (
	ExitSuccess    = 0
	ExitUsageError = 1
	ExitConfigErr  = 2
	ExitDataError  = 4
)

const dateLayout = "2006-01-02"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(ExitUsageError)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(os.Getenv("BARMAN_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(ExitConfigErr)
	}

	log := logger.New(cfg.Logging)
	refLoc := cfg.ReferenceLocation()

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "storage error: %v\n", err)
		os.Exit(ExitConfigErr)
	}
	defer store.Close()

	binanceOpts := []provider.BinanceOption{
		provider.WithReferenceLocation(refLoc),
		provider.WithLogger(logger.ForComponent(log, "provider")),
	}
	if cfg.Provider.BaseURL != "" {
		binanceOpts = append(binanceOpts, provider.WithBaseURL(cfg.Provider.BaseURL))
	}
	if cfg.Provider.APIKey != "" {
		binanceOpts = append(binanceOpts, provider.WithCredentials(cfg.Provider.APIKey, cfg.Provider.APISecret))
	}
	binance := provider.NewBinanceAdapter(binanceOpts...)

	engine := manager.New(
		store,
		csvio.NewImporter(store, refLoc, logger.ForComponent(log, "importer")),
		csvio.NewExporter(store, refLoc, logger.ForComponent(log, "exporter")),
		downloader.New(binance, binance, store, refLoc, logger.ForComponent(log, "downloader")),
		logger.ForComponent(log, "engine"),
	)

	if err := run(ctx, engine, refLoc, os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(ExitDataError)
	}
}

func openStore(ctx context.Context, cfg *config.AppConfig, log *slog.Logger) (storage.BarStore, error) {
	switch cfg.Storage.Type {
	case "memory":
		return storage.NewMemoryStore(), nil
	default:
		store, err := storage.NewDuckDBStore(cfg.Storage.Path, logger.ForComponent(log, "storage"))
		if err != nil {
			return nil, err
		}
		if err := store.Initialize(ctx); err != nil {
			store.Close()
			return nil, err
		}
		return store, nil
	}
}

func run(ctx context.Context, engine *manager.Engine, refLoc *time.Location, command string, args []string) error {
	switch command {
	case "overviews":
		return cmdOverviews(ctx, engine)
	case "import":
		return cmdImport(ctx, engine, args)
	case "export":
		return cmdExport(ctx, engine, refLoc, args)
	case "show":
		return cmdShow(ctx, engine, refLoc, args)
	case "download":
		return cmdDownload(ctx, engine, refLoc, args)
	case "ticks":
		return cmdTicks(ctx, engine, refLoc, args)
	case "update":
		return cmdUpdate(ctx, engine)
	case "delete":
		return cmdDelete(ctx, engine, args)
	case "help", "--help", "-h":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func cmdOverviews(ctx context.Context, engine *manager.Engine) error {
	overviews, err := engine.GetOverviews(ctx)
	if err != nil {
		return err
	}
	if len(overviews) == 0 {
		fmt.Println("no data stored")
		return nil
	}
	fmt.Printf("%-12s %-8s %-8s %8s %-20s %-20s\n", "SYMBOL", "EXCHANGE", "INTERVAL", "COUNT", "START", "END")
	for _, ov := range overviews {
		fmt.Printf("%-12s %-8s %-8s %8d %-20s %-20s\n",
			ov.Symbol, ov.Exchange, ov.Interval, ov.Count,
			ov.Start.Format(csvio.ExportDatetimeLayout),
			ov.End.Format(csvio.ExportDatetimeLayout))
	}
	return nil
}

func cmdImport(ctx context.Context, engine *manager.Engine, args []string) error {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	file := fs.String("file", "", "CSV file to import")
	symbol := fs.String("symbol", "", "symbol")
	exchange := fs.String("exchange", "", "exchange")
	interval := fs.String("interval", "", "interval (1m, 1h, d)")
	tz := fs.String("tz", "UTC", "timezone of the file's datetimes")
	format := fs.String("format", csvio.DefaultDatetimeFormat, "datetime format")
	dtCol := fs.String("datetime-col", "datetime", "datetime column header")
	openCol := fs.String("open-col", "open", "open column header")
	highCol := fs.String("high-col", "high", "high column header")
	lowCol := fs.String("low-col", "low", "low column header")
	closeCol := fs.String("close-col", "close", "close column header")
	volumeCol := fs.String("volume-col", "volume", "volume column header")
	turnoverCol := fs.String("turnover-col", "turnover", "turnover column header")
	oiCol := fs.String("oi-col", "open_interest", "open interest column header")
	fs.Parse(args)

	key, err := parseKey(*symbol, *exchange, *interval)
	if err != nil {
		return err
	}

	cols := csvio.ColumnMap{
		Datetime:     *dtCol,
		Open:         *openCol,
		High:         *highCol,
		Low:          *lowCol,
		Close:        *closeCol,
		Volume:       *volumeCol,
		Turnover:     *turnoverCol,
		OpenInterest: *oiCol,
	}

	overview, err := engine.ImportFromCSV(ctx, *file, key, *tz, cols, *format)
	if err != nil {
		return err
	}
	fmt.Printf("imported %s: %d bars, %s .. %s\n",
		key, overview.Count,
		overview.Start.Format(csvio.ExportDatetimeLayout),
		overview.End.Format(csvio.ExportDatetimeLayout))
	return nil
}

func cmdExport(ctx context.Context, engine *manager.Engine, refLoc *time.Location, args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	file := fs.String("file", "", "destination CSV file")
	symbol := fs.String("symbol", "", "symbol")
	exchange := fs.String("exchange", "", "exchange")
	interval := fs.String("interval", "", "interval (1m, 1h, d, tick)")
	startText := fs.String("start", "", "start date (YYYY-MM-DD) or datetime")
	endText := fs.String("end", "", "end date (YYYY-MM-DD, inclusive) or datetime (exclusive)")
	fs.Parse(args)

	key, err := parseKey(*symbol, *exchange, *interval)
	if err != nil {
		return err
	}
	start, end, err := parseRange(*startText, *endText, refLoc)
	if err != nil {
		return err
	}

	ok, err := engine.ExportToCSV(ctx, *file, key, start, end)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("cannot write %s: the file is open in another program, close it and retry", *file)
	}
	fmt.Printf("exported %s to %s\n", key, *file)
	return nil
}

func cmdShow(ctx context.Context, engine *manager.Engine, refLoc *time.Location, args []string) error {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	symbol := fs.String("symbol", "", "symbol")
	exchange := fs.String("exchange", "", "exchange")
	interval := fs.String("interval", "", "interval (1m, 1h, d, tick)")
	startText := fs.String("start", "", "start date (YYYY-MM-DD) or datetime")
	endText := fs.String("end", "", "end date (YYYY-MM-DD, inclusive) or datetime (exclusive)")
	fs.Parse(args)

	key, err := parseKey(*symbol, *exchange, *interval)
	if err != nil {
		return err
	}
	start, end, err := parseRange(*startText, *endText, refLoc)
	if err != nil {
		return err
	}

	bars, err := engine.LoadBars(ctx, key, start, end)
	if err != nil {
		return err
	}
	fmt.Printf("%-20s %12s %12s %12s %12s %14s %14s %12s\n",
		"DATETIME", "OPEN", "HIGH", "LOW", "CLOSE", "VOLUME", "TURNOVER", "OPEN_INT")
	for i := range bars {
		b := &bars[i]
		fmt.Printf("%-20s %12s %12s %12s %12s %14s %14s %12s\n",
			b.Datetime.In(refLoc).Format(csvio.ExportDatetimeLayout),
			b.Open, b.High, b.Low, b.Close, b.Volume, b.Turnover, b.OpenInterest)
	}
	fmt.Printf("%d bars\n", len(bars))
	return nil
}

func cmdDownload(ctx context.Context, engine *manager.Engine, refLoc *time.Location, args []string) error {
	fs := flag.NewFlagSet("download", flag.ExitOnError)
	symbol := fs.String("symbol", "", "symbol")
	exchange := fs.String("exchange", "", "exchange")
	interval := fs.String("interval", "", "interval (1m, 1h, d)")
	startText := fs.String("start", "", "start date (YYYY-MM-DD) or datetime")
	fs.Parse(args)

	key, err := parseKey(*symbol, *exchange, *interval)
	if err != nil {
		return err
	}
	since, err := parseDatetime(*startText, refLoc)
	if err != nil {
		return err
	}

	count, err := engine.DownloadBars(ctx, key.Symbol, key.Exchange, key.Interval, since, printProgress)
	if err != nil {
		return fmt.Errorf("download stopped after %d bars: %w", count, err)
	}
	fmt.Printf("downloaded %d bars\n", count)
	return nil
}

func cmdTicks(ctx context.Context, engine *manager.Engine, refLoc *time.Location, args []string) error {
	fs := flag.NewFlagSet("ticks", flag.ExitOnError)
	symbol := fs.String("symbol", "", "symbol")
	exchange := fs.String("exchange", "", "exchange")
	startText := fs.String("start", "", "start date (YYYY-MM-DD) or datetime")
	fs.Parse(args)

	ex, err := models.ParseExchange(*exchange)
	if err != nil {
		return err
	}
	if *symbol == "" {
		return fmt.Errorf("--symbol is required")
	}
	since, err := parseDatetime(*startText, refLoc)
	if err != nil {
		return err
	}

	count, err := engine.DownloadTicks(ctx, *symbol, ex, since, printProgress)
	if err != nil {
		return fmt.Errorf("download stopped after %d ticks: %w", count, err)
	}
	fmt.Printf("downloaded %d ticks\n", count)
	return nil
}

func cmdUpdate(ctx context.Context, engine *manager.Engine) error {
	count, err := engine.RefreshAll(ctx, printProgress)
	if err != nil {
		return err
	}
	fmt.Printf("refreshed all series: %d new bars\n", count)
	return nil
}

func cmdDelete(ctx context.Context, engine *manager.Engine, args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	symbol := fs.String("symbol", "", "symbol")
	exchange := fs.String("exchange", "", "exchange")
	interval := fs.String("interval", "", "interval (1m, 1h, d, tick)")
	fs.Parse(args)

	key, err := parseKey(*symbol, *exchange, *interval)
	if err != nil {
		return err
	}

	count, err := engine.DeleteBars(ctx, key)
	if err != nil {
		return err
	}
	fmt.Printf("deleted %s: %d bars\n", key, count)
	return nil
}

func parseKey(symbol, exchange, interval string) (models.SeriesKey, error) {
	if symbol == "" {
		return models.SeriesKey{}, fmt.Errorf("--symbol is required")
	}
	ex, err := models.ParseExchange(exchange)
	if err != nil {
		return models.SeriesKey{}, err
	}
	iv, err := models.ParseInterval(interval)
	if err != nil {
		return models.SeriesKey{}, err
	}
	return models.SeriesKey{Symbol: symbol, Exchange: ex, Interval: iv}, nil
}

// parseDatetime accepts a date (YYYY-MM-DD) or a full datetime in the
// reference timezone.
func parseDatetime(text string, refLoc *time.Location) (time.Time, error) {
	if text == "" {
		return time.Time{}, fmt.Errorf("--start is required")
	}
	if t, err := time.ParseInLocation(dateLayout, text, refLoc); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(csvio.ExportDatetimeLayout, text, refLoc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid datetime %q: use YYYY-MM-DD or YYYY-MM-DD HH:MM:SS", text)
	}
	return t, nil
}

// parseRange builds the half-open [start, end) query range. A date-only
// end is widened by one day so the whole end date is included; a full
// datetime end is used as-is (exclusive).
func parseRange(startText, endText string, refLoc *time.Location) (time.Time, time.Time, error) {
	start, err := parseDatetime(startText, refLoc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}

	if endText == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("--end is required")
	}
	if end, err := time.ParseInLocation(dateLayout, endText, refLoc); err == nil {
		return start, end.AddDate(0, 0, 1), nil
	}
	end, err := time.ParseInLocation(csvio.ExportDatetimeLayout, endText, refLoc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid datetime %q: use YYYY-MM-DD or YYYY-MM-DD HH:MM:SS", endText)
	}
	return start, end, nil
}

func printProgress(msg string) {
	fmt.Println(msg)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `barman - historical bar data manager

Usage: barman <command> [flags]

Commands:
  overviews   list stored series with count and date range
  show        print bars for a series and range
  import      import bars from a CSV file
  export      export bars to a CSV file
  download    download bars from the provider
  ticks       download trade ticks from the provider
  update      refresh every stored series to the latest data
  delete      delete a whole series

Environment:
  BARMAN_CONFIG  path to a JSON config file
  STORAGE_TYPE, STORAGE_PATH, PROVIDER_BASE_URL, API_KEY, API_SECRET,
  BAR_TIMEZONE, LOG_LEVEL, LOG_FORMAT, LOG_FILE

Use "barman <command> --help" for command flags.
`)
}
