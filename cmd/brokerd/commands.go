package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/johnayoung/go-broker-connectors/internal/broker"
	"github.com/johnayoung/go-broker-connectors/internal/config"
	brokererrors "github.com/johnayoung/go-broker-connectors/internal/errors"
	"github.com/johnayoung/go-broker-connectors/internal/journal"
	"github.com/johnayoung/go-broker-connectors/internal/logger"
	"github.com/johnayoung/go-broker-connectors/internal/metrics"
	"github.com/johnayoung/go-broker-connectors/internal/models"
	"github.com/johnayoung/go-broker-connectors/internal/registry"
	"github.com/johnayoung/go-broker-connectors/internal/relay"
)

const connectedGaugeInterval = 15 * time.Second

func newRegistry(cfg *config.AppConfig, log *slog.Logger, collector *metrics.Collector) *registry.Registry {
	return registry.New(
		registry.WithLogger(log),
		registry.WithEventBuffer(cfg.Broker.RegistryEventBuffer),
		registry.WithConnectorOptions(broker.Options{
			Logger:          log,
			Instrumentation: collector,
			RateLimits:      cfg.Broker.Policy(),
			Stream:          cfg.Stream.StreamSettings(),
			EventBuffer:     cfg.Broker.EventBuffer,
		}),
	)
}

// connector resolves an account id into a cached, unconnected connector.
// One-shot REST calls do not need the market-data stream.
func (cli *CLI) connector(accountID string) (broker.ExchangeConnector, error) {
	if accountID == "" {
		return nil, fmt.Errorf("--account is required")
	}
	acct, ok := cli.config.Account(accountID)
	if !ok {
		return nil, fmt.Errorf("account %q is not configured", accountID)
	}
	t, err := acct.ExchangeType()
	if err != nil {
		return nil, err
	}
	creds, err := acct.Credentials(os.Getenv)
	if err != nil {
		return nil, err
	}
	return cli.registry.GetOrCreate(t, creds, acct.ID)
}

// accountCall runs one connector call with timing logged under the
// command's component logger
func (cli *CLI) accountCall(ctx context.Context, command string, c broker.ExchangeConnector, fn func(context.Context) error) error {
	ctx = logger.WithInstanceID(logger.WithExchange(ctx, string(c.Type())), c.InstanceID())
	return cli.loggers.GetComponentLogger(command).LogOperation(ctx, command, func() error {
		return fn(ctx)
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// handleRun connects every account, starts the relay and the metrics
// endpoint, and drains everything on interrupt
func (cli *CLI) handleRun(ctx context.Context, args []string) error {
	if len(args) > 0 {
		if args[0] == "--help" || args[0] == "-h" {
			printCommandHelp("run")
			return nil
		}
		return fmt.Errorf("unknown flag: %s", args[0])
	}
	if len(cli.config.Accounts) == 0 {
		return fmt.Errorf("no accounts configured")
	}

	log := cli.loggers.GetComponentLogger("run")
	ctx = logger.WithOperation(ctx, "run")

	rl := relay.New(cli.registry, cli.config.Relay,
		relay.WithLogger(cli.loggers.GetLogger()),
		relay.WithRecorder(cli.metrics),
		relay.WithJournal(cli.journal),
	)

	connected := 0
	for _, acct := range cli.config.Accounts {
		actx := logger.WithInstanceID(logger.WithExchange(ctx, acct.Exchange), acct.ID)
		t, err := acct.ExchangeType()
		if err != nil {
			log.ErrorWithContext(actx, "skipping account", err)
			continue
		}
		creds, err := acct.Credentials(os.Getenv)
		if err != nil {
			log.ErrorWithContext(actx, "skipping account", err)
			continue
		}
		err = brokererrors.Retry(actx, cli.config.Relay.RetryPolicy.Policy(), cli.logger, "connect", func() error {
			_, cerr := cli.registry.Connect(actx, t, creds, acct.ID)
			return cerr
		})
		if err != nil {
			log.ErrorWithContext(actx, "failed to connect account", err)
			continue
		}
		connected++

		if len(acct.Symbols) > 0 {
			if err := rl.Subscribe(ctx, acct.ID, acct.Symbols); err != nil {
				log.ErrorWithContext(actx, "failed to subscribe", err, "symbols", acct.Symbols)
				continue
			}
		}
		log.InfoWithContext(actx, "account ready", "symbols", acct.Symbols)
	}
	if connected == 0 {
		return fmt.Errorf("no account could be connected")
	}
	cli.metrics.SetConnected(len(cli.registry.ConnectedBrokers()))

	server := metrics.NewServer(cli.config.Metrics, cli.metrics, cli.registry, cli.loggers)
	if err := server.Start(ctx); err != nil {
		return err
	}

	relayDone := make(chan error, 1)
	if cli.config.Relay.Enabled {
		go func() { relayDone <- rl.Run(ctx) }()
	} else {
		close(relayDone)
	}

	ticker := time.NewTicker(connectedGaugeInterval)
	defer ticker.Stop()
	log.Info("broker daemon running", "accounts", connected, "relay", cli.config.Relay.Enabled)

wait:
	for {
		select {
		case <-ctx.Done():
			break wait
		case <-ticker.C:
			cli.metrics.SetConnected(len(cli.registry.ConnectedBrokers()))
		}
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cli.config.Relay.ShutdownGraceDuration())
	defer cancel()

	for id, err := range cli.registry.DisconnectAll(shutdownCtx) {
		if err != nil {
			log.Warn("connector did not close cleanly", "instance_id", id, "error", err)
		}
	}
	if err := server.Stop(shutdownCtx); err != nil {
		log.Warn("metrics server did not stop cleanly", "error", err)
	}
	select {
	case <-relayDone:
	case <-shutdownCtx.Done():
		log.Warn("relay did not drain before the shutdown deadline")
	}

	log.Info("broker daemon stopped")
	return nil
}

func (cli *CLI) handleBrokers(args []string) error {
	if len(args) > 0 && (args[0] == "--help" || args[0] == "-h") {
		printCommandHelp("brokers")
		return nil
	}
	infos := make([]broker.Info, 0)
	for _, t := range cli.registry.SupportedBrokers() {
		info, err := cli.registry.BrokerInfo(t)
		if err != nil {
			return err
		}
		infos = append(infos, info)
	}
	return printJSON(infos)
}

func (cli *CLI) handleValidate(ctx context.Context, args []string) error {
	flags, err := parseAccountFlags(args)
	if err != nil {
		return err
	}
	if flags.Help {
		printCommandHelp("validate")
		return nil
	}
	c, err := cli.connector(flags.Account)
	if err != nil {
		return err
	}

	var valid bool
	err = logger.TimedOperation(cli.logger, "validate_credentials", func() error {
		var verr error
		valid, verr = c.ValidateCredentials(ctx)
		return verr
	})
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"account": flags.Account, "exchange": c.Type(), "valid": valid})
}

func (cli *CLI) handleBalances(ctx context.Context, args []string) error {
	flags, err := parseAccountFlags(args)
	if err != nil {
		return err
	}
	if flags.Help {
		printCommandHelp("balances")
		return nil
	}
	c, err := cli.connector(flags.Account)
	if err != nil {
		return err
	}
	var balances []models.AccountBalance
	err = cli.accountCall(ctx, "balances", c, func(ctx context.Context) error {
		var cerr error
		balances, cerr = c.GetAccountBalance(ctx)
		return cerr
	})
	if err != nil {
		return err
	}
	return printJSON(balances)
}

func (cli *CLI) handlePositions(ctx context.Context, args []string) error {
	flags, err := parseAccountFlags(args)
	if err != nil {
		return err
	}
	if flags.Help {
		printCommandHelp("positions")
		return nil
	}
	c, err := cli.connector(flags.Account)
	if err != nil {
		return err
	}
	var positions []models.Position
	err = cli.accountCall(ctx, "positions", c, func(ctx context.Context) error {
		var cerr error
		positions, cerr = c.GetPositions(ctx)
		return cerr
	})
	if err != nil {
		return err
	}
	return printJSON(positions)
}

func (cli *CLI) handleOrders(ctx context.Context, args []string) error {
	flags, err := parseAccountFlags(args)
	if err != nil {
		return err
	}
	if flags.Help {
		printCommandHelp("orders")
		return nil
	}
	if flags.Account == "" {
		return fmt.Errorf("--account is required")
	}
	recs, err := cli.journal.Orders(ctx, flags.Account)
	if err != nil {
		return err
	}
	return printJSON(recs)
}

func (cli *CLI) handleOrder(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printCommandHelp("order")
		return fmt.Errorf("order requires a subcommand: place, cancel or status")
	}
	sub := args[0]
	flags, err := parseOrderFlags(args[1:])
	if err != nil {
		return err
	}
	if flags.Help || sub == "--help" || sub == "-h" {
		printCommandHelp("order")
		return nil
	}

	c, err := cli.connector(flags.Account)
	if err != nil {
		return err
	}
	ctx = logger.WithInstanceID(logger.WithExchange(ctx, string(c.Type())), c.InstanceID())
	log := cli.loggers.GetComponentLogger("order")

	var (
		result *models.TradeResult
		action journal.OrderAction
	)
	switch sub {
	case "place":
		order, err := flags.TradeOrder()
		if err != nil {
			return err
		}
		result, err = c.PlaceOrder(ctx, order)
		if err != nil {
			return err
		}
		action = journal.ActionPlace

	case "cancel":
		if flags.OrderID == "" || flags.Symbol == "" {
			return fmt.Errorf("--order-id and --symbol are required")
		}
		ok, err := c.CancelOrder(ctx, flags.OrderID, flags.Symbol)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("order %s was not cancelled", flags.OrderID)
		}
		result = &models.TradeResult{
			OrderID:   flags.OrderID,
			Symbol:    flags.Symbol,
			Status:    models.StatusCancelled,
			Timestamp: time.Now().UTC(),
		}
		action = journal.ActionCancel

	case "status":
		if flags.OrderID == "" || flags.Symbol == "" {
			return fmt.Errorf("--order-id and --symbol are required")
		}
		result, err = c.GetOrderStatus(ctx, flags.OrderID, flags.Symbol)
		if err != nil {
			return err
		}
		action = journal.ActionStatus

	default:
		return fmt.Errorf("unknown order subcommand %q", sub)
	}

	ctx = logger.WithOrderID(ctx, result.OrderID)
	if err := cli.journal.RecordOrder(ctx, journal.OrderRecord{
		InstanceID: c.InstanceID(),
		Exchange:   string(c.Type()),
		Action:     action,
		Result:     *result,
	}); err != nil {
		log.WarnWithContext(ctx, "failed to journal order", "error", err)
	} else {
		cli.metrics.JournalWrite("order")
	}
	log.InfoWithContext(ctx, "order call completed", "action", string(action), "status", string(result.Status))

	return printJSON(result)
}
