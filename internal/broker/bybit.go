package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/johnayoung/go-broker-connectors/internal/models"
	"github.com/johnayoung/go-broker-connectors/internal/rest"
	"github.com/johnayoung/go-broker-connectors/internal/signing"
	"github.com/shopspring/decimal"
)

const (
	bybitAPIKeyPath       = "/v5/user/query-api"
	bybitWalletPath       = "/v5/account/wallet-balance"
	bybitPositionPath     = "/v5/position/list"
	bybitCreateOrderPath  = "/v5/order/create"
	bybitCancelOrderPath  = "/v5/order/cancel"
	bybitOpenOrdersPath   = "/v5/order/realtime"
	bybitOrderHistoryPath = "/v5/order/history"
	bybitTimePath         = "/v5/market/time"

	bybitCategory = "linear"
)

var bybitStatuses = models.StatusTable{
	"New":             models.StatusPending,
	"PartiallyFilled": models.StatusPending,
	"Filled":          models.StatusFilled,
	"Cancelled":       models.StatusCancelled,
	"Rejected":        models.StatusCancelled,
	"Deactivated":     models.StatusRejected,
}

// bybitCodeStatus maps Bybit retCodes onto their HTTP equivalents
var bybitCodeStatus = map[int]int{
	10003: http.StatusUnauthorized,       // invalid api key
	10004: http.StatusUnauthorized,       // signature error
	10005: http.StatusForbidden,          // permission denied
	10007: http.StatusUnauthorized,       // user authentication failed
	33004: http.StatusUnauthorized,       // api key expired
	10006: http.StatusTooManyRequests,    // too many visits
	10018: http.StatusTooManyRequests,    // ip rate limit
	10016: http.StatusServiceUnavailable, // server error
}

// Bybit is the Bybit V5 linear perpetuals connector
type Bybit struct {
	*session
}

func newBybit(creds models.Credentials, instanceID string, opts Options) *Bybit {
	return &Bybit{
		session: newSession(sessionParams{
			exchange:   ExchangeBybit,
			instanceID: instanceID,
			sandbox:    creds.Sandbox,
			signer:     signing.NewBybitSigner(creds.APIKey, creds.APISecret),
			codec:      &bybitCodec{},
		}, opts),
	}
}

type bybitEnvelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

type bybitWallet struct {
	List []struct {
		Coin []struct {
			Coin          string        `json:"coin"`
			WalletBalance models.Number `json:"walletBalance"`
			Locked        models.Number `json:"locked"`
			TotalOrderIM  models.Number `json:"totalOrderIM"`
		} `json:"coin"`
	} `json:"list"`
}

type bybitPosition struct {
	Symbol        string        `json:"symbol"`
	Side          string        `json:"side"`
	Size          models.Number `json:"size"`
	AvgPrice      models.Number `json:"avgPrice"`
	MarkPrice     models.Number `json:"markPrice"`
	UnrealisedPnl models.Number `json:"unrealisedPnl"`
	PositionValue models.Number `json:"positionValue"`
}

type bybitOrder struct {
	OrderID     string        `json:"orderId"`
	OrderLinkID string        `json:"orderLinkId"`
	Symbol      string        `json:"symbol"`
	Side        string        `json:"side"`
	Qty         models.Number `json:"qty"`
	Price       models.Number `json:"price"`
	AvgPrice    models.Number `json:"avgPrice"`
	OrderStatus string        `json:"orderStatus"`
	UpdatedTime models.Number `json:"updatedTime"`
	CumExecFee  models.Number `json:"cumExecFee"`
}

type bybitList[T any] struct {
	List []T `json:"list"`
}

func (b *Bybit) do(ctx context.Context, endpoint, operation string, req rest.Request, out any) error {
	var env bybitEnvelope
	if err := b.call(ctx, endpoint, operation, req, &env); err != nil {
		return err
	}
	if env.RetCode != 0 {
		return b.fail(&apiError{
			exchange: ExchangeBybit,
			code:     strconv.Itoa(env.RetCode),
			message:  env.RetMsg,
			status:   bybitCodeStatus[env.RetCode],
		}, operation)
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return b.fail(fmt.Errorf("failed to decode bybit result: %w", err), operation)
	}
	return nil
}

// Connect validates the credentials and opens the stream
func (b *Bybit) Connect(ctx context.Context) error {
	return b.connect(ctx, b.ValidateCredentials)
}

// ValidateCredentials reads the api key information
func (b *Bybit) ValidateCredentials(ctx context.Context) (bool, error) {
	return b.validate(ctx, func(ctx context.Context) error {
		return b.do(ctx, EndpointAccount, "validateCredentials",
			rest.Request{Method: http.MethodGet, Path: bybitAPIKeyPath, Signed: true}, nil)
	})
}

// GetAccountBalance returns unified-account coins with a positive balance
func (b *Bybit) GetAccountBalance(ctx context.Context) ([]models.AccountBalance, error) {
	var wallet bybitWallet
	if err := b.do(ctx, EndpointAccount, "getAccountBalance", rest.Request{
		Method: http.MethodGet,
		Path:   bybitWalletPath,
		Query:  url.Values{"accountType": {"UNIFIED"}},
		Signed: true,
	}, &wallet); err != nil {
		return nil, err
	}

	var balances []models.AccountBalance
	for _, account := range wallet.List {
		for _, coin := range account.Coin {
			total := coin.WalletBalance.Decimal()
			locked := decimal.Min(coin.Locked.Decimal().Add(coin.TotalOrderIM.Decimal()), total)
			if locked.IsNegative() {
				locked = decimal.Zero
			}
			bal := models.NewAccountBalance(coin.Coin, total.Sub(locked), locked)
			if bal.IsEmpty() {
				continue
			}
			balances = append(balances, bal)
		}
	}
	return balances, nil
}

// GetPositions returns open linear positions; the side is explicit
func (b *Bybit) GetPositions(ctx context.Context) ([]models.Position, error) {
	var page bybitList[bybitPosition]
	if err := b.do(ctx, EndpointPositions, "getPositions", rest.Request{
		Method: http.MethodGet,
		Path:   bybitPositionPath,
		Query:  url.Values{"category": {bybitCategory}, "settleCoin": {"USDT"}},
		Signed: true,
	}, &page); err != nil {
		return nil, err
	}

	positions := make([]models.Position, 0, len(page.List))
	for _, row := range page.List {
		size := row.Size.Decimal().Abs()
		if size.IsZero() {
			continue
		}
		side := models.PositionLong
		if strings.EqualFold(row.Side, "Sell") {
			side = models.PositionShort
		}
		pnl := row.UnrealisedPnl.Decimal()
		positions = append(positions, models.Position{
			Symbol:     row.Symbol,
			Side:       side,
			Size:       size.InexactFloat64(),
			EntryPrice: row.AvgPrice.Float(),
			MarkPrice:  row.MarkPrice.Float(),
			PnL:        pnl.InexactFloat64(),
			Percentage: bybitPercentage(pnl, row.PositionValue.Decimal()),
		})
	}
	return positions, nil
}

// bybitPercentage is pnl relative to position value in percent. A zero
// position value yields zero.
func bybitPercentage(pnl, positionValue decimal.Decimal) float64 {
	if positionValue.IsZero() {
		return 0
	}
	return pnl.Div(positionValue).Mul(decimal.NewFromInt(100)).InexactFloat64()
}

// PlaceOrder submits order. Bybit acknowledges with ids only, so the result
// reflects the accepted New state.
func (b *Bybit) PlaceOrder(ctx context.Context, order models.TradeOrder) (*models.TradeResult, error) {
	if err := order.Validate(); err != nil {
		return nil, err
	}

	linkID := clientOrderID(36)
	body := map[string]string{
		"category":    bybitCategory,
		"symbol":      order.Symbol,
		"side":        bybitSide(order.Side),
		"qty":         models.FormatAmount(order.Quantity),
		"orderLinkId": linkID,
		"timeInForce": string(timeInForceOrDefault(order.TimeInForce)),
	}
	if order.Type == models.OrderTypeLimit {
		body["orderType"] = "Limit"
		body["price"] = models.FormatAmount(order.LimitPrice())
	} else {
		body["orderType"] = "Market"
		body["timeInForce"] = string(models.TimeInForceIOC)
	}
	if order.StopPrice != nil {
		body["triggerPrice"] = models.FormatAmount(*order.StopPrice)
	}

	var ack bybitOrder
	if err := b.do(ctx, EndpointOrder, "placeOrder",
		rest.Request{Method: http.MethodPost, Path: bybitCreateOrderPath, Body: body, Signed: true}, &ack); err != nil {
		return nil, err
	}

	b.logger.Info("order placed", "symbol", order.Symbol, "order_id", ack.OrderID)
	return &models.TradeResult{
		OrderID:       ack.OrderID,
		ClientOrderID: ack.OrderLinkID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Quantity:      order.Quantity,
		Price:         order.LimitPrice(),
		Status:        bybitStatuses.Normalize("New"),
		Timestamp:     b.now().UTC(),
	}, nil
}

// CancelOrder reports whether Bybit accepted the cancellation
func (b *Bybit) CancelOrder(ctx context.Context, orderID, symbol string) (bool, error) {
	var ack bybitOrder
	if err := b.do(ctx, EndpointCancel, "cancelOrder", rest.Request{
		Method: http.MethodPost,
		Path:   bybitCancelOrderPath,
		Body:   map[string]string{"category": bybitCategory, "symbol": symbol, "orderId": orderID},
		Signed: true,
	}, &ack); err != nil {
		return false, err
	}
	return ack.OrderID == orderID, nil
}

// GetOrderStatus looks the order up among open orders, then in history
func (b *Bybit) GetOrderStatus(ctx context.Context, orderID, symbol string) (*models.TradeResult, error) {
	q := url.Values{"category": {bybitCategory}, "symbol": {symbol}, "orderId": {orderID}}

	for _, path := range []string{bybitOpenOrdersPath, bybitOrderHistoryPath} {
		var page bybitList[bybitOrder]
		if err := b.do(ctx, EndpointStatus, "getOrderStatus",
			rest.Request{Method: http.MethodGet, Path: path, Query: q, Signed: true}, &page); err != nil {
			return nil, err
		}
		if len(page.List) > 0 {
			return b.toResult(page.List[0]), nil
		}
	}
	return nil, b.fail(fmt.Errorf("order %s not found for %s", orderID, symbol), "getOrderStatus")
}

// HealthCheck reads the public server time
func (b *Bybit) HealthCheck(ctx context.Context) error {
	return b.ping(ctx, rest.Request{Method: http.MethodGet, Path: bybitTimePath})
}

func (b *Bybit) toResult(o bybitOrder) *models.TradeResult {
	price := o.AvgPrice.Decimal()
	if price.IsZero() {
		price = o.Price.Decimal()
	}
	result := &models.TradeResult{
		OrderID:       o.OrderID,
		ClientOrderID: o.OrderLinkID,
		Symbol:        o.Symbol,
		Side:          models.ParseSide(o.Side),
		Quantity:      o.Qty.Float(),
		Price:         price.InexactFloat64(),
		Status:        bybitStatuses.Normalize(o.OrderStatus),
		Timestamp:     models.UnixMillis(o.UpdatedTime.Int()),
	}
	if o.CumExecFee != "" {
		fee := o.CumExecFee.Float()
		result.Fees = &fee
	}
	return result
}

func bybitSide(side models.OrderSide) string {
	if side == models.SideSell {
		return "Sell"
	}
	return "Buy"
}

// bybitCodec frames the tickers.<symbol> topics
type bybitCodec struct{}

type bybitOp struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

type bybitTicker struct {
	Topic string `json:"topic"`
	TS    int64  `json:"ts"`
	Data  struct {
		Symbol       string        `json:"symbol"`
		LastPrice    models.Number `json:"lastPrice"`
		Price24hPcnt models.Number `json:"price24hPcnt"`
		Volume24h    models.Number `json:"volume24h"`
	} `json:"data"`
}

func (c *bybitCodec) frame(op string, symbols []string) ([][]byte, error) {
	args := make([]string, 0, len(symbols))
	for _, s := range symbols {
		args = append(args, "tickers."+strings.ToUpper(s))
	}
	b, err := json.Marshal(bybitOp{Op: op, Args: args})
	if err != nil {
		return nil, err
	}
	return [][]byte{b}, nil
}

func (c *bybitCodec) SubscribeFrames(symbols []string) ([][]byte, error) {
	return c.frame("subscribe", symbols)
}

func (c *bybitCodec) UnsubscribeFrames(symbols []string) ([][]byte, error) {
	return c.frame("unsubscribe", symbols)
}

// Decode accepts ticker pushes carrying a last price. Delta pushes without
// lastPrice are skipped.
func (c *bybitCodec) Decode(msg []byte) (models.MarketData, bool) {
	var t bybitTicker
	if err := json.Unmarshal(msg, &t); err != nil || !strings.HasPrefix(t.Topic, "tickers.") || t.Data.LastPrice == "" {
		return models.MarketData{}, false
	}
	symbol := t.Data.Symbol
	if symbol == "" {
		symbol = strings.TrimPrefix(t.Topic, "tickers.")
	}
	return models.MarketData{
		Symbol:    symbol,
		Price:     t.Data.LastPrice.Float(),
		Change24h: t.Data.Price24hPcnt.Decimal().Mul(decimal.NewFromInt(100)).InexactFloat64(),
		Volume24h: t.Data.Volume24h.Float(),
		Timestamp: models.UnixMillis(t.TS),
	}, true
}

func (c *bybitCodec) Ping() (int, []byte) {
	return textMessage, []byte(`{"op":"ping"}`)
}
