// Broker daemon CLI
// brokerd drives the unified broker connectors: it runs a long-lived relay
// over every configured account, and exposes one-shot account and order calls.
//
// Usage:
//
//	brokerd run --config brokerd.yaml
//	brokerd brokers
//	brokerd balances --account binance-main
//	brokerd order place --account okx-1 --symbol BTCUSDT --side buy --quantity 0.01
//
// For detailed help on any command, use: brokerd <command> --help
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/johnayoung/go-broker-connectors/internal/config"
	brokererrors "github.com/johnayoung/go-broker-connectors/internal/errors"
	"github.com/johnayoung/go-broker-connectors/internal/journal"
	"github.com/johnayoung/go-broker-connectors/internal/logger"
	"github.com/johnayoung/go-broker-connectors/internal/metrics"
	"github.com/johnayoung/go-broker-connectors/internal/registry"
)

// CLI version information
const (
	Version           = "1.0.0"
	AppName           = "brokerd"
	DefaultConfigFile = "brokerd.yaml"
)

// Exit codes following standard conventions
const (
	ExitSuccess       = 0
	ExitUsageError    = 1
	ExitConfigError   = 2
	ExitConnectionErr = 3
	ExitBrokerError   = 4
	ExitInterrupt     = 130
)

// CLI holds the components shared by every command
type CLI struct {
	config   *config.AppConfig
	loggers  *logger.LoggerManager
	logger   *slog.Logger
	metrics  *metrics.Collector
	registry *registry.Registry
	journal  journal.Journal
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(ExitUsageError)
	}

	command := os.Args[1]
	switch command {
	case "--version", "-v", "version":
		fmt.Printf("%s version %s\n", AppName, Version)
		return
	case "--help", "-h", "help":
		if len(os.Args) > 2 {
			printCommandHelp(os.Args[2])
		} else {
			printUsage()
		}
		return
	}

	configPath, args, err := splitConfigFlag(os.Args[2:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitUsageError)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cli := &CLI{}
	if err := cli.initialize(ctx, configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to initialize CLI: %v\n", err)
		os.Exit(ExitConfigError)
	}
	defer cli.close()

	cmdLogger, ctx := logger.NewTraceLogger(ctx, cli.loggers, command)
	cli.logger = cmdLogger.Logger

	var cmdErr error
	switch command {
	case "run":
		cmdErr = cli.handleRun(ctx, args)
	case "brokers":
		cmdErr = cli.handleBrokers(args)
	case "validate":
		cmdErr = cli.handleValidate(ctx, args)
	case "balances":
		cmdErr = cli.handleBalances(ctx, args)
	case "positions":
		cmdErr = cli.handlePositions(ctx, args)
	case "order":
		cmdErr = cli.handleOrder(ctx, args)
	case "orders":
		cmdErr = cli.handleOrders(ctx, args)
	case "config":
		fmt.Println(cli.config.String())
	default:
		fmt.Fprintf(os.Stderr, "Error: Unknown command '%s'\n\n", command)
		printUsage()
		cli.close()
		os.Exit(ExitUsageError)
	}

	if cmdErr != nil {
		cli.logger.Error("command failed", "command", command, "error", cmdErr)
		cli.close()
		os.Exit(exitCode(ctx, cmdErr))
	}
}

// exitCode maps a command error to a process exit code
func exitCode(ctx context.Context, err error) int {
	if ctx.Err() != nil {
		return ExitInterrupt
	}
	switch brokererrors.KindOf(err) {
	case brokererrors.KindConnectionRefused, brokererrors.KindTimeout, brokererrors.KindServiceUnavailable:
		return ExitConnectionErr
	}
	return ExitBrokerError
}

// initialize loads configuration and builds the shared components
func (cli *CLI) initialize(ctx context.Context, configPath string) error {
	cm := config.NewConfigManager(configPath, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
	cfg, err := cm.LoadConfig(ctx)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	cli.config = cfg

	loggers, err := logger.NewLoggerManager(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	cli.loggers = loggers
	cli.logger = loggers.GetComponentLogger("cli").Logger

	cli.metrics = metrics.NewCollector(cfg.Metrics.Namespace)

	j, err := journal.Open(ctx, cfg.Journal, loggers.GetLogger())
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	cli.journal = j

	cli.registry = newRegistry(cfg, loggers.GetLogger(), cli.metrics)
	return nil
}

// close releases what initialize acquired. It is safe to call twice.
func (cli *CLI) close() {
	if cli.registry != nil {
		cli.registry.DisconnectAll(context.Background())
		cli.registry = nil
	}
	if cli.journal != nil {
		if err := cli.journal.Close(); err != nil {
			cli.logger.Warn("failed to close journal", "error", err)
		}
		cli.journal = nil
	}
	if cli.loggers != nil {
		_ = cli.loggers.Close()
		cli.loggers = nil
	}
}

func printUsage() {
	fmt.Printf(`%s - unified broker connector daemon v%s

USAGE:
    %s <command> [options]

COMMANDS:
    run         Connect every configured account and relay market data
    brokers     List supported exchanges and their metadata
    validate    Check the credentials of an account
    balances    Show non-empty balances of an account
    positions   Show open positions of an account
    order       Place, cancel or look up an order (place|cancel|status)
    orders      List journaled orders of an account
    config      Print the effective configuration

GLOBAL OPTIONS:
    --config, -c   Configuration file (JSON or YAML, default %s)
    --help, -h     Show help information
    --version, -v  Show version information

EXAMPLES:
    # Relay market data for every account in the config file
    %s run --config brokerd.yaml

    # Show Bybit balances
    %s balances --account bybit-1

    # Place a limit order on OKX
    %s order place --account okx-1 --symbol BTCUSDT --side buy --type limit --quantity 0.01 --price 30000

CONFIGURATION:
    Configuration can be provided via:
    - Config file: %s (JSON or YAML)
    - Environment variables: BROKER_* (e.g., BROKER_LOG_LEVEL)

    Accounts name the environment variables holding their keys:
    accounts:
      - id: okx-1
        exchange: okx
        api_key_env: OKX_API_KEY
        api_secret_env: OKX_API_SECRET
        passphrase_env: OKX_PASSPHRASE
        symbols: [BTCUSDT]

For detailed help on any command, use: %s <command> --help
`, AppName, Version, AppName, DefaultConfigFile, AppName, AppName, AppName, DefaultConfigFile, AppName)
}

func printCommandHelp(command string) {
	switch command {
	case "run":
		fmt.Printf(`Connect every configured account and relay market data until interrupted.

USAGE:
    %s run [--config path]

Market data is journaled when relay.journal_ticks is set. Broken streams are
resubscribed with exponential backoff when relay.resubscribe is set. On
SIGINT/SIGTERM every connector is disconnected within relay.shutdown_grace.
`, AppName)
	case "validate", "balances", "positions", "orders":
		fmt.Printf(`USAGE:
    %s %s --account <id> [--config path]

OPTIONS:
    --account, -a   Account id from the configuration file (required)
`, AppName, command)
	case "order":
		fmt.Printf(`USAGE:
    %s order place  --account <id> --symbol <sym> --side buy|sell --quantity <q>
                        [--type market|limit] [--price <p>] [--stop-price <p>] [--tif GTC|IOC|FOK]
    %s order cancel --account <id> --order-id <id> --symbol <sym>
    %s order status --account <id> --order-id <id> --symbol <sym>

Every result is recorded in the journal.
`, AppName, AppName, AppName)
	case "brokers":
		fmt.Printf("USAGE:\n    %s brokers\n\nPrints the supported exchanges as JSON.\n", AppName)
	default:
		fmt.Printf("No help available for '%s'\n", command)
		printUsage()
	}
}
