/*
main.go - Interactive flight booking client

PURPOSE:
  A line-oriented REPL over one booking.Session, backed by the same stores
  as the HTTP server. Useful for demos and for driving concurrent sessions
  from several terminals against one SQLite file.

COMMANDS:
  create <username> <password> <initial amount>
  login <username> <password>
  search <origin city> <destination city> <direct> <day> <num itineraries>
  book <itinerary id>
  pay <reservation id>
  reservations
  cancel <reservation id>
  quit

  Multi-word cities are quoted: search "Seattle WA" "Boston MA" 1 1 3

COMMAND-LINE FLAGS:
  -config   Path to a config file (same keys as the server)
  -db       SQLite database path, overrides DB_PATH
  -flights  CSV file to load into the catalog before starting
  -reset    Delete all users and reservations before starting

SEE ALSO:
  - repl.go: Command parsing and output
  - seed/flights.go: CSV format
*/
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/warp/flight-engine/auth"
	"github.com/warp/flight-engine/booking"
	"github.com/warp/flight-engine/config"
	"github.com/warp/flight-engine/logging"
	"github.com/warp/flight-engine/seed"
	"github.com/warp/flight-engine/store/postgres"
	"github.com/warp/flight-engine/store/sqlite"
	"github.com/warp/flight-engine/store/sqlstore"
)

func main() {
	configFile := flag.String("config", "", "Config file path")
	dbPath := flag.String("db", "", "SQLite database path (overrides DB_PATH)")
	flightsFile := flag.String("flights", "", "CSV file of flights to load")
	reset := flag.Bool("reset", false, "Delete all users and reservations first")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	// The REPL owns stdout; keep logs quiet unless asked for.
	level := cfg.LogLevel
	if os.Getenv("LOG_LEVEL") == "" {
		level = "warn"
	}
	logger := logging.New(cfg.Env, level)
	defer logger.Sync()

	if err := run(cfg, logger, *flightsFile, *reset); err != nil {
		logger.Error("flightcli failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger, flightsFile string, reset bool) error {
	ctx := context.Background()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	if reset {
		if err := store.Reset(ctx); err != nil {
			return err
		}
	}
	if flightsFile != "" {
		f, err := os.Open(flightsFile)
		if err != nil {
			return err
		}
		n, err := seed.Load(ctx, store, f)
		f.Close()
		if err != nil {
			return err
		}
		logger.Info("flights loaded", zap.Int("count", n), zap.String("file", flightsFile))
	}

	ledger := booking.NewLedger(store,
		booking.WithRetryPolicy(cfg.RetryPolicy()),
		booking.WithRefundPolicy(cfg.Refund()),
		booking.WithLogger(logger),
	)
	sess := booking.NewSession(store, store, auth.NewHasher(cfg.BcryptCost), ledger)

	return loop(ctx, &repl{sess: sess}, os.Stdin, os.Stdout)
}

// loop reads commands until quit or end of input.
func loop(ctx context.Context, r *repl, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		reply, quit := r.execute(ctx, scanner.Text())
		fmt.Fprint(out, reply)
		if quit {
			return nil
		}
	}
}

func openStore(ctx context.Context, cfg *config.Config) (*sqlstore.Store, error) {
	switch cfg.DBDriver {
	case "postgres":
		return postgres.New(ctx, cfg.DatabaseURL, postgres.DefaultOptions())
	default:
		return sqlite.New(cfg.DBPath)
	}
}
