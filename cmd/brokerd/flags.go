package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/johnayoung/go-broker-connectors/internal/models"
)

// AccountFlags are shared by the one-shot account commands
type AccountFlags struct {
	Account string
	Help    bool
}

// OrderFlags configure the order subcommands
type OrderFlags struct {
	Account     string
	Symbol      string
	Side        string
	Type        string
	Quantity    float64
	Price       *float64
	StopPrice   *float64
	TimeInForce string
	OrderID     string
	Help        bool
}

// splitConfigFlag removes --config/-c from args and returns its value. The
// BROKER_CONFIG variable is the fallback, then DefaultConfigFile when present.
func splitConfigFlag(args []string) (string, []string, error) {
	path := ""
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config", "-c":
			if i+1 >= len(args) {
				return "", nil, fmt.Errorf("--config requires a value")
			}
			path = args[i+1]
			i++
		default:
			rest = append(rest, args[i])
		}
	}

	if path == "" {
		path = os.Getenv("BROKER_CONFIG")
	}
	if path == "" {
		if _, err := os.Stat(DefaultConfigFile); err == nil {
			path = DefaultConfigFile
		}
	}
	return path, rest, nil
}

func parseAccountFlags(args []string) (*AccountFlags, error) {
	flags := &AccountFlags{}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--account", "-a":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--account requires a value")
			}
			flags.Account = args[i+1]
			i++
		case "--help", "-h":
			flags.Help = true
		default:
			return nil, fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	return flags, nil
}

func parseFloatFlag(name, value string) (float64, error) {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %w", name, err)
	}
	return v, nil
}

func parseOrderFlags(args []string) (*OrderFlags, error) {
	flags := &OrderFlags{
		Type: string(models.OrderTypeMarket),
	}

	for i := 0; i < len(args); i++ {
		flag := args[i]
		if flag == "--help" || flag == "-h" {
			flags.Help = true
			continue
		}
		if i+1 >= len(args) {
			return nil, fmt.Errorf("%s requires a value", flag)
		}
		value := args[i+1]
		i++

		switch flag {
		case "--account", "-a":
			flags.Account = value
		case "--symbol", "-s":
			flags.Symbol = value
		case "--side":
			flags.Side = strings.ToLower(value)
		case "--type", "-t":
			flags.Type = strings.ToLower(value)
		case "--quantity", "-q":
			q, err := parseFloatFlag("quantity", value)
			if err != nil {
				return nil, err
			}
			flags.Quantity = q
		case "--price", "-p":
			p, err := parseFloatFlag("price", value)
			if err != nil {
				return nil, err
			}
			flags.Price = &p
		case "--stop-price":
			p, err := parseFloatFlag("stop price", value)
			if err != nil {
				return nil, err
			}
			flags.StopPrice = &p
		case "--tif":
			flags.TimeInForce = strings.ToUpper(value)
		case "--order-id", "-o":
			flags.OrderID = value
		default:
			return nil, fmt.Errorf("unknown flag: %s", flag)
		}
	}

	return flags, nil
}

// TradeOrder converts the flags into a validated order
func (f *OrderFlags) TradeOrder() (models.TradeOrder, error) {
	order := models.TradeOrder{
		Symbol:      f.Symbol,
		Side:        models.OrderSide(f.Side),
		Type:        models.OrderType(f.Type),
		Quantity:    f.Quantity,
		Price:       f.Price,
		StopPrice:   f.StopPrice,
		TimeInForce: models.TimeInForce(f.TimeInForce),
	}
	if err := order.Validate(); err != nil {
		return models.TradeOrder{}, err
	}
	return order, nil
}
