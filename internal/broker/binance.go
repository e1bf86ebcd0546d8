package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/johnayoung/go-broker-connectors/internal/models"
	"github.com/johnayoung/go-broker-connectors/internal/rest"
	"github.com/johnayoung/go-broker-connectors/internal/signing"
	"github.com/shopspring/decimal"
)

const (
	binanceBalancePath    = "/fapi/v2/balance"
	binancePositionPath   = "/fapi/v2/positionRisk"
	binanceOrderPath      = "/fapi/v1/order"
	binanceUserTradesPath = "/fapi/v1/userTrades"
	binancePingPath       = "/fapi/v1/ping"
)

var binanceStatuses = models.StatusTable{
	"NEW":              models.StatusPending,
	"PARTIALLY_FILLED": models.StatusPending,
	"FILLED":           models.StatusFilled,
	"CANCELED":         models.StatusCancelled,
	"EXPIRED":          models.StatusCancelled,
	"REJECTED":         models.StatusRejected,
}

// binanceAuthCodes are error codes Binance returns with HTTP 400 that mean
// the key, signature or permissions are wrong
var binanceAuthCodes = map[int]bool{
	-1022: true, // invalid signature
	-2014: true, // api key format invalid
	-2015: true, // invalid key, ip or permissions
}

// Binance is the Binance USDⓈ-M Futures connector
type Binance struct {
	*session
}

func newBinance(creds models.Credentials, instanceID string, opts Options) *Binance {
	return &Binance{
		session: newSession(sessionParams{
			exchange:   ExchangeBinance,
			instanceID: instanceID,
			sandbox:    creds.Sandbox,
			signer:     signing.NewBinanceSigner(creds.APIKey, creds.APISecret),
			codec:      &binanceCodec{},
		}, opts),
	}
}

type binanceBalance struct {
	Asset            string        `json:"asset"`
	Balance          models.Number `json:"balance"`
	AvailableBalance models.Number `json:"availableBalance"`
}

type binancePosition struct {
	Symbol           string        `json:"symbol"`
	PositionAmt      models.Number `json:"positionAmt"`
	EntryPrice       models.Number `json:"entryPrice"`
	MarkPrice        models.Number `json:"markPrice"`
	UnRealizedProfit models.Number `json:"unRealizedProfit"`
	Leverage         models.Number `json:"leverage"`
	PositionSide     string        `json:"positionSide"`
}

type binanceOrder struct {
	OrderID       int64         `json:"orderId"`
	ClientOrderID string        `json:"clientOrderId"`
	Symbol        string        `json:"symbol"`
	Side          string        `json:"side"`
	Status        string        `json:"status"`
	OrigQty       models.Number `json:"origQty"`
	Price         models.Number `json:"price"`
	AvgPrice      models.Number `json:"avgPrice"`
	UpdateTime    int64         `json:"updateTime"`
}

type binanceTrade struct {
	Commission models.Number `json:"commission"`
}

type binanceErrorBody struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// request runs a signed call, promoting Binance auth error codes sent with
// HTTP 400 to the equivalent 401
func (b *Binance) request(ctx context.Context, endpoint, operation string, req rest.Request, out any) error {
	if err := b.guard(endpoint); err != nil {
		return err
	}
	err := b.client.Do(ctx, req, out)
	if err == nil {
		return nil
	}

	var httpErr *rest.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusBadRequest {
		var body binanceErrorBody
		if json.Unmarshal([]byte(httpErr.Body), &body) == nil && binanceAuthCodes[body.Code] {
			err = &apiError{exchange: ExchangeBinance, code: strconv.Itoa(body.Code), message: body.Msg, status: http.StatusUnauthorized}
		}
	}
	return b.fail(err, operation)
}

// Connect validates the credentials and opens the stream
func (b *Binance) Connect(ctx context.Context) error {
	return b.connect(ctx, b.ValidateCredentials)
}

// ValidateCredentials reads the futures wallet
func (b *Binance) ValidateCredentials(ctx context.Context) (bool, error) {
	return b.validate(ctx, func(ctx context.Context) error {
		return b.request(ctx, EndpointAccount, "validateCredentials",
			rest.Request{Method: http.MethodGet, Path: binanceBalancePath, Signed: true}, nil)
	})
}

// GetAccountBalance returns assets with a positive wallet balance
func (b *Binance) GetAccountBalance(ctx context.Context) ([]models.AccountBalance, error) {
	var rows []binanceBalance
	if err := b.request(ctx, EndpointAccount, "getAccountBalance",
		rest.Request{Method: http.MethodGet, Path: binanceBalancePath, Signed: true}, &rows); err != nil {
		return nil, err
	}

	balances := make([]models.AccountBalance, 0, len(rows))
	for _, row := range rows {
		total := row.Balance.Decimal()
		free := decimal.Min(row.AvailableBalance.Decimal(), total)
		bal := models.NewAccountBalance(row.Asset, free, total.Sub(free))
		if bal.IsEmpty() {
			continue
		}
		balances = append(balances, bal)
	}
	return balances, nil
}

// GetPositions returns open positions. In hedge mode the explicit position
// side wins; in one-way mode the side follows the signed amount.
func (b *Binance) GetPositions(ctx context.Context) ([]models.Position, error) {
	var rows []binancePosition
	if err := b.request(ctx, EndpointPositions, "getPositions",
		rest.Request{Method: http.MethodGet, Path: binancePositionPath, Signed: true}, &rows); err != nil {
		return nil, err
	}

	positions := make([]models.Position, 0, len(rows))
	for _, row := range rows {
		amt := row.PositionAmt.Decimal()
		if amt.IsZero() {
			continue
		}
		side, size := models.SideFromSignedSize(amt)
		switch row.PositionSide {
		case "LONG":
			side = models.PositionLong
		case "SHORT":
			side = models.PositionShort
		}

		entry := row.EntryPrice.Decimal()
		pnl := row.UnRealizedProfit.Decimal()
		percentage := decimal.Zero
		margin := size.Mul(entry)
		if lev := row.Leverage.Decimal(); lev.IsPositive() {
			margin = margin.Div(lev)
		}
		if margin.IsPositive() {
			percentage = pnl.Div(margin).Mul(decimal.NewFromInt(100))
		}

		positions = append(positions, models.Position{
			Symbol:     row.Symbol,
			Side:       side,
			Size:       size.InexactFloat64(),
			EntryPrice: entry.InexactFloat64(),
			MarkPrice:  row.MarkPrice.Float(),
			PnL:        pnl.InexactFloat64(),
			Percentage: percentage.InexactFloat64(),
		})
	}
	return positions, nil
}

// PlaceOrder submits order. When the acknowledgement reports a fill the
// commissions are looked up; an unknown fee stays nil.
func (b *Binance) PlaceOrder(ctx context.Context, order models.TradeOrder) (*models.TradeResult, error) {
	if err := order.Validate(); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("symbol", order.Symbol)
	q.Set("side", strings.ToUpper(string(order.Side)))
	q.Set("quantity", models.FormatAmount(order.Quantity))
	q.Set("newClientOrderId", clientOrderID(32))
	q.Set("newOrderRespType", "RESULT")

	orderType := "MARKET"
	if order.Type == models.OrderTypeLimit {
		orderType = "LIMIT"
		q.Set("price", models.FormatAmount(order.LimitPrice()))
		q.Set("timeInForce", string(timeInForceOrDefault(order.TimeInForce)))
	}
	if order.StopPrice != nil {
		if orderType == "LIMIT" {
			orderType = "STOP"
		} else {
			orderType = "STOP_MARKET"
		}
		q.Set("stopPrice", models.FormatAmount(*order.StopPrice))
	}
	q.Set("type", orderType)

	var ack binanceOrder
	if err := b.request(ctx, EndpointOrder, "placeOrder",
		rest.Request{Method: http.MethodPost, Path: binanceOrderPath, Query: q, Signed: true}, &ack); err != nil {
		return nil, err
	}

	result := b.toResult(ack)
	if ack.Status == "FILLED" || ack.Status == "PARTIALLY_FILLED" {
		result.Fees = b.lookupFees(ctx, ack.Symbol, ack.OrderID)
	}

	b.logger.Info("order placed", "symbol", order.Symbol, "order_id", ack.OrderID, "status", ack.Status)
	return result, nil
}

// lookupFees sums the commissions of the order's trades. Any failure yields
// nil so the fee is reported as unknown.
func (b *Binance) lookupFees(ctx context.Context, symbol string, orderID int64) *float64 {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("orderId", strconv.FormatInt(orderID, 10))

	var trades []binanceTrade
	if err := b.request(ctx, EndpointStatus, "lookupFees",
		rest.Request{Method: http.MethodGet, Path: binanceUserTradesPath, Query: q, Signed: true}, &trades); err != nil {
		b.logger.Warn("fee lookup failed", "order_id", orderID, "error", err)
		return nil
	}
	if len(trades) == 0 {
		return nil
	}
	total := decimal.Zero
	for _, t := range trades {
		total = total.Add(t.Commission.Decimal())
	}
	fee := total.InexactFloat64()
	return &fee
}

// CancelOrder reports whether Binance confirmed the cancellation
func (b *Binance) CancelOrder(ctx context.Context, orderID, symbol string) (bool, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("orderId", orderID)

	var ack binanceOrder
	if err := b.request(ctx, EndpointCancel, "cancelOrder",
		rest.Request{Method: http.MethodDelete, Path: binanceOrderPath, Query: q, Signed: true}, &ack); err != nil {
		return false, err
	}
	return ack.Status == "CANCELED", nil
}

// GetOrderStatus re-fetches one order
func (b *Binance) GetOrderStatus(ctx context.Context, orderID, symbol string) (*models.TradeResult, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("orderId", orderID)

	var o binanceOrder
	if err := b.request(ctx, EndpointStatus, "getOrderStatus",
		rest.Request{Method: http.MethodGet, Path: binanceOrderPath, Query: q, Signed: true}, &o); err != nil {
		return nil, err
	}
	return b.toResult(o), nil
}

// HealthCheck pings the public API
func (b *Binance) HealthCheck(ctx context.Context) error {
	return b.ping(ctx, rest.Request{Method: http.MethodGet, Path: binancePingPath})
}

func (b *Binance) toResult(o binanceOrder) *models.TradeResult {
	price := o.AvgPrice.Decimal()
	if price.IsZero() {
		price = o.Price.Decimal()
	}
	return &models.TradeResult{
		OrderID:       strconv.FormatInt(o.OrderID, 10),
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          models.ParseSide(o.Side),
		Quantity:      o.OrigQty.Float(),
		Price:         price.InexactFloat64(),
		Status:        binanceStatuses.Normalize(o.Status),
		Timestamp:     models.UnixMillis(o.UpdateTime),
	}
}

// binanceCodec frames the <symbol>@ticker streams
type binanceCodec struct {
	nextID atomic.Int64
}

type binanceStreamRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// binanceTicker names the case-colliding keys (p/P, c/C, o/O) explicitly
// since encoding/json falls back to case-insensitive matching.
type binanceTicker struct {
	Event       string        `json:"e"`
	EventTime   int64         `json:"E"`
	Symbol      string        `json:"s"`
	Close       models.Number `json:"c"`
	CloseTime   int64         `json:"C"`
	Open        models.Number `json:"o"`
	OpenTime    int64         `json:"O"`
	PriceChange models.Number `json:"p"`
	Change      models.Number `json:"P"`
	Volume      models.Number `json:"v"`
}

func (c *binanceCodec) frame(method string, symbols []string) ([][]byte, error) {
	params := make([]string, 0, len(symbols))
	for _, s := range symbols {
		params = append(params, strings.ToLower(s)+"@ticker")
	}
	b, err := json.Marshal(binanceStreamRequest{Method: method, Params: params, ID: c.nextID.Add(1)})
	if err != nil {
		return nil, err
	}
	return [][]byte{b}, nil
}

func (c *binanceCodec) SubscribeFrames(symbols []string) ([][]byte, error) {
	return c.frame("SUBSCRIBE", symbols)
}

func (c *binanceCodec) UnsubscribeFrames(symbols []string) ([][]byte, error) {
	return c.frame("UNSUBSCRIBE", symbols)
}

func (c *binanceCodec) Decode(msg []byte) (models.MarketData, bool) {
	var t binanceTicker
	if err := json.Unmarshal(msg, &t); err != nil || t.Event != "24hrTicker" || t.Symbol == "" {
		return models.MarketData{}, false
	}
	return models.MarketData{
		Symbol:    t.Symbol,
		Price:     t.Close.Float(),
		Change24h: t.Change.Float(),
		Volume24h: t.Volume.Float(),
		Timestamp: models.UnixMillis(t.EventTime),
	}, true
}

func (c *binanceCodec) Ping() (int, []byte) {
	return pingMessage, nil
}
