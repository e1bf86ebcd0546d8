package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/johnayoung/go-broker-connectors/internal/models"
	"github.com/johnayoung/go-broker-connectors/internal/rest"
	"github.com/johnayoung/go-broker-connectors/internal/signing"
	"github.com/shopspring/decimal"
)

const (
	deltaProfilePath   = "/v2/profile"
	deltaBalancesPath  = "/v2/wallet/balances"
	deltaPositionsPath = "/v2/positions/margined"
	deltaOrdersPath    = "/v2/orders"
	deltaProductsPath  = "/v2/products"

	deltaProductTTL = 10 * time.Minute
)

var deltaStatuses = models.StatusTable{
	"open":      models.StatusPending,
	"pending":   models.StatusPending,
	"filled":    models.StatusFilled,
	"closed":    models.StatusFilled,
	"cancelled": models.StatusCancelled,
	"rejected":  models.StatusRejected,
}

// Delta is the Delta Exchange (India) connector
type Delta struct {
	*session
	products *ristretto.Cache
}

func newDelta(creds models.Credentials, instanceID string, opts Options) (*Delta, error) {
	products, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create product cache: %w", err)
	}

	return &Delta{
		session: newSession(sessionParams{
			exchange:   ExchangeDelta,
			instanceID: instanceID,
			sandbox:    creds.Sandbox,
			signer:     signing.NewDeltaSigner(creds.APIKey, creds.APISecret),
			codec:      &deltaCodec{},
		}, opts),
		products: products,
	}, nil
}

type deltaEnvelope struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
}

type deltaBalance struct {
	AssetSymbol      string        `json:"asset_symbol"`
	Balance          models.Number `json:"balance"`
	AvailableBalance models.Number `json:"available_balance"`
}

type deltaPosition struct {
	ProductSymbol string        `json:"product_symbol"`
	Size          models.Number `json:"size"`
	EntryPrice    models.Number `json:"entry_price"`
	MarkPrice     models.Number `json:"mark_price"`
	UnrealizedPnL models.Number `json:"unrealized_pnl"`
	Margin        models.Number `json:"margin"`
}

type deltaOrder struct {
	ID               int64         `json:"id"`
	ClientOrderID    string        `json:"client_order_id"`
	ProductSymbol    string        `json:"product_symbol"`
	Side             string        `json:"side"`
	Size             models.Number `json:"size"`
	LimitPrice       models.Number `json:"limit_price"`
	AverageFillPrice models.Number `json:"average_fill_price"`
	State            string        `json:"state"`
	CreatedAt        string        `json:"created_at"`
	PaidCommission   models.Number `json:"paid_commission"`
}

type deltaProduct struct {
	ID     int64  `json:"id"`
	Symbol string `json:"symbol"`
}

func (d *Delta) do(ctx context.Context, endpoint, operation string, req rest.Request, out any) error {
	var env deltaEnvelope
	if err := d.call(ctx, endpoint, operation, req, &env); err != nil {
		return err
	}
	if !env.Success {
		return d.fail(&apiError{exchange: ExchangeDelta, code: "success=false", message: string(env.Result)}, operation)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return d.fail(fmt.Errorf("failed to decode delta result: %w", err), operation)
	}
	return nil
}

// Connect validates the credentials and opens the stream
func (d *Delta) Connect(ctx context.Context) error {
	return d.connect(ctx, d.ValidateCredentials)
}

// ValidateCredentials reads the account profile
func (d *Delta) ValidateCredentials(ctx context.Context) (bool, error) {
	return d.validate(ctx, func(ctx context.Context) error {
		return d.do(ctx, EndpointAccount, "validateCredentials",
			rest.Request{Method: http.MethodGet, Path: deltaProfilePath, Signed: true}, nil)
	})
}

// GetAccountBalance returns wallet rows with a positive balance
func (d *Delta) GetAccountBalance(ctx context.Context) ([]models.AccountBalance, error) {
	var rows []deltaBalance
	if err := d.do(ctx, EndpointAccount, "getAccountBalance",
		rest.Request{Method: http.MethodGet, Path: deltaBalancesPath, Signed: true}, &rows); err != nil {
		return nil, err
	}

	balances := make([]models.AccountBalance, 0, len(rows))
	for _, row := range rows {
		total := row.Balance.Decimal()
		free := decimal.Min(row.AvailableBalance.Decimal(), total)
		b := models.NewAccountBalance(row.AssetSymbol, free, total.Sub(free))
		if b.IsEmpty() {
			continue
		}
		balances = append(balances, b)
	}
	return balances, nil
}

// GetPositions returns open positions; the side follows the signed size
func (d *Delta) GetPositions(ctx context.Context) ([]models.Position, error) {
	var rows []deltaPosition
	if err := d.do(ctx, EndpointPositions, "getPositions",
		rest.Request{Method: http.MethodGet, Path: deltaPositionsPath, Signed: true}, &rows); err != nil {
		return nil, err
	}

	positions := make([]models.Position, 0, len(rows))
	for _, row := range rows {
		if row.Size.Decimal().IsZero() {
			continue
		}
		side, size := models.SideFromSignedSize(row.Size.Decimal())
		pnl := row.UnrealizedPnL.Decimal()
		percentage := decimal.Zero
		if margin := row.Margin.Decimal(); margin.IsPositive() {
			percentage = pnl.Div(margin).Mul(decimal.NewFromInt(100))
		}
		positions = append(positions, models.Position{
			Symbol:     row.ProductSymbol,
			Side:       side,
			Size:       size.InexactFloat64(),
			EntryPrice: row.EntryPrice.Float(),
			MarkPrice:  row.MarkPrice.Float(),
			PnL:        pnl.InexactFloat64(),
			Percentage: percentage.InexactFloat64(),
		})
	}
	return positions, nil
}

// PlaceOrder submits order and normalizes the acknowledgement
func (d *Delta) PlaceOrder(ctx context.Context, order models.TradeOrder) (*models.TradeResult, error) {
	if err := order.Validate(); err != nil {
		return nil, err
	}
	// Delta sizes are whole contracts
	size := decimal.NewFromFloat(order.Quantity)
	if !size.IsInteger() {
		return nil, &models.ValidationError{Field: "quantity", Message: "delta orders require a whole number of contracts"}
	}

	body := map[string]any{
		"product_symbol":  order.Symbol,
		"size":            size.IntPart(),
		"side":            string(order.Side),
		"client_order_id": clientOrderID(32),
		"time_in_force":   deltaTimeInForce(order.TimeInForce),
	}
	if order.Type == models.OrderTypeLimit {
		body["order_type"] = "limit_order"
		body["limit_price"] = models.FormatAmount(order.LimitPrice())
	} else {
		body["order_type"] = "market_order"
	}
	if order.StopPrice != nil {
		body["stop_order_type"] = "stop_loss_order"
		body["stop_price"] = models.FormatAmount(*order.StopPrice)
	}

	var ack deltaOrder
	if err := d.do(ctx, EndpointOrder, "placeOrder",
		rest.Request{Method: http.MethodPost, Path: deltaOrdersPath, Body: body, Signed: true}, &ack); err != nil {
		return nil, err
	}

	d.logger.Info("order placed", "symbol", order.Symbol, "order_id", ack.ID, "state", ack.State)
	return d.toResult(ack), nil
}

// CancelOrder cancels orderID. Delta requires the product id, which is
// resolved from symbol and cached.
func (d *Delta) CancelOrder(ctx context.Context, orderID, symbol string) (bool, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return false, fmt.Errorf("invalid delta order id %q: %w", orderID, err)
	}
	productID, err := d.productID(ctx, symbol)
	if err != nil {
		return false, err
	}

	var ack deltaOrder
	if err := d.do(ctx, EndpointCancel, "cancelOrder", rest.Request{
		Method: http.MethodDelete,
		Path:   deltaOrdersPath,
		Body:   map[string]int64{"id": id, "product_id": productID},
		Signed: true,
	}, &ack); err != nil {
		return false, err
	}
	return deltaStatuses.Normalize(ack.State) == models.StatusCancelled, nil
}

// GetOrderStatus re-fetches one order
func (d *Delta) GetOrderStatus(ctx context.Context, orderID, symbol string) (*models.TradeResult, error) {
	var o deltaOrder
	if err := d.do(ctx, EndpointStatus, "getOrderStatus", rest.Request{
		Method: http.MethodGet,
		Path:   deltaOrdersPath + "/" + url.PathEscape(orderID),
		Signed: true,
	}, &o); err != nil {
		return nil, err
	}
	if o.ProductSymbol == "" {
		o.ProductSymbol = symbol
	}
	return d.toResult(o), nil
}

// HealthCheck pings the public products endpoint
func (d *Delta) HealthCheck(ctx context.Context) error {
	return d.ping(ctx, rest.Request{
		Method: http.MethodGet,
		Path:   deltaProductsPath,
		Query:  url.Values{"page_size": {"1"}},
	})
}

// Close releases the connector and its product cache
func (d *Delta) Close() error {
	err := d.session.Close()
	d.products.Close()
	return err
}

func (d *Delta) productID(ctx context.Context, symbol string) (int64, error) {
	if v, ok := d.products.Get(symbol); ok {
		if id, ok := v.(int64); ok {
			return id, nil
		}
	}

	var product deltaProduct
	if err := d.do(ctx, EndpointStatus, "resolveProduct", rest.Request{
		Method: http.MethodGet,
		Path:   deltaProductsPath + "/" + url.PathEscape(symbol),
	}, &product); err != nil {
		return 0, err
	}

	d.products.SetWithTTL(symbol, product.ID, 1, deltaProductTTL)
	d.products.Wait()
	return product.ID, nil
}

func (d *Delta) toResult(o deltaOrder) *models.TradeResult {
	price := o.AverageFillPrice.Decimal()
	if price.IsZero() {
		price = o.LimitPrice.Decimal()
	}

	ts := time.Now().UTC()
	if parsed, err := time.Parse(time.RFC3339Nano, o.CreatedAt); err == nil {
		ts = parsed.UTC()
	}

	result := &models.TradeResult{
		OrderID:       strconv.FormatInt(o.ID, 10),
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.ProductSymbol,
		Side:          models.ParseSide(o.Side),
		Quantity:      o.Size.Float(),
		Price:         price.InexactFloat64(),
		Status:        deltaStatuses.Normalize(o.State),
		Timestamp:     ts,
	}
	if o.PaidCommission != "" {
		fee := o.PaidCommission.Float()
		result.Fees = &fee
	}
	return result
}

func deltaTimeInForce(tif models.TimeInForce) string {
	switch timeInForceOrDefault(tif) {
	case models.TimeInForceIOC:
		return "ioc"
	case models.TimeInForceFOK:
		return "fok"
	default:
		return "gtc"
	}
}

// deltaCodec frames the v2/ticker channel
type deltaCodec struct{}

type deltaChannel struct {
	Name    string   `json:"name"`
	Symbols []string `json:"symbols"`
}

type deltaSubscribe struct {
	Type    string `json:"type"`
	Payload struct {
		Channels []deltaChannel `json:"channels"`
	} `json:"payload"`
}

type deltaTicker struct {
	Type      string        `json:"type"`
	Symbol    string        `json:"symbol"`
	Close     models.Number `json:"close"`
	Open      models.Number `json:"open"`
	Volume    models.Number `json:"volume"`
	Timestamp int64         `json:"timestamp"`
}

func (c *deltaCodec) frame(op string, symbols []string) ([][]byte, error) {
	msg := deltaSubscribe{Type: op}
	msg.Payload.Channels = []deltaChannel{{Name: "v2/ticker", Symbols: symbols}}
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return [][]byte{b}, nil
}

func (c *deltaCodec) SubscribeFrames(symbols []string) ([][]byte, error) {
	return c.frame("subscribe", symbols)
}

func (c *deltaCodec) UnsubscribeFrames(symbols []string) ([][]byte, error) {
	return c.frame("unsubscribe", symbols)
}

func (c *deltaCodec) Decode(msg []byte) (models.MarketData, bool) {
	var t deltaTicker
	if err := json.Unmarshal(msg, &t); err != nil || t.Type != "v2/ticker" || t.Symbol == "" {
		return models.MarketData{}, false
	}
	last := t.Close.Decimal()
	return models.MarketData{
		Symbol:    t.Symbol,
		Price:     last.InexactFloat64(),
		Change24h: percentChange(t.Open.Decimal(), last),
		Volume24h: t.Volume.Float(),
		Timestamp: models.UnixMicros(t.Timestamp),
	}, true
}

func (c *deltaCodec) Ping() (int, []byte) {
	return textMessage, []byte(`{"type":"ping"}`)
}

// percentChange returns (last-open)/open in percent, or zero without an open
func percentChange(open, last decimal.Decimal) float64 {
	if open.IsZero() {
		return 0
	}
	return last.Sub(open).Div(open).Mul(decimal.NewFromInt(100)).InexactFloat64()
}
