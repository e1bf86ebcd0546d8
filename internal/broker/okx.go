package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/johnayoung/go-broker-connectors/internal/models"
	"github.com/johnayoung/go-broker-connectors/internal/rest"
	"github.com/johnayoung/go-broker-connectors/internal/signing"
	"github.com/shopspring/decimal"
)

const (
	okxConfigPath    = "/api/v5/account/config"
	okxBalancePath   = "/api/v5/account/balance"
	okxPositionsPath = "/api/v5/account/positions"
	okxOrderPath     = "/api/v5/trade/order"
	okxCancelPath    = "/api/v5/trade/cancel-order"
	okxFillsPath     = "/api/v5/trade/fills"
	okxTimePath      = "/api/v5/public/time"

	okxSwapSuffix = "-SWAP"
)

var okxStatuses = models.StatusTable{
	"live":             models.StatusPending,
	"partially_filled": models.StatusPending,
	"filled":           models.StatusFilled,
	"canceled":         models.StatusCancelled,
	"rejected":         models.StatusRejected,
}

// okxCodeStatus maps OKX error codes onto their HTTP equivalents
var okxCodeStatus = map[string]int{
	"50100": http.StatusForbidden,          // api frozen
	"50105": http.StatusUnauthorized,       // passphrase incorrect
	"50111": http.StatusUnauthorized,       // invalid OK-ACCESS-KEY
	"50112": http.StatusUnauthorized,       // invalid OK-ACCESS-TIMESTAMP
	"50113": http.StatusUnauthorized,       // invalid signature
	"50011": http.StatusTooManyRequests,    // rate limit reached
	"50061": http.StatusTooManyRequests,    // sub-account rate limit
	"50001": http.StatusServiceUnavailable, // service temporarily unavailable
	"50013": http.StatusServiceUnavailable, // system busy
}

// OKX is the OKX V5 perpetual swaps connector
type OKX struct {
	*session
}

func newOKX(creds models.Credentials, instanceID string, opts Options) *OKX {
	var headers map[string]string
	if creds.Sandbox {
		headers = map[string]string{"x-simulated-trading": "1"}
		opts.Stream.Header = cloneHeader(opts.Stream.Header)
		opts.Stream.Header.Set("x-simulated-trading", "1")
	}
	return &OKX{
		session: newSession(sessionParams{
			exchange:   ExchangeOKX,
			instanceID: instanceID,
			sandbox:    creds.Sandbox,
			signer:     signing.NewOKXSigner(creds.APIKey, creds.APISecret, creds.Passphrase, creds.Sandbox),
			codec:      &okxCodec{},
			headers:    headers,
		}, opts),
	}
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return http.Header{}
	}
	return h.Clone()
}

type okxEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type okxBalance struct {
	Details []struct {
		Ccy       string        `json:"ccy"`
		AvailBal  models.Number `json:"availBal"`
		FrozenBal models.Number `json:"frozenBal"`
	} `json:"details"`
}

type okxPosition struct {
	InstID   string        `json:"instId"`
	Pos      models.Number `json:"pos"`
	PosSide  string        `json:"posSide"`
	AvgPx    models.Number `json:"avgPx"`
	MarkPx   models.Number `json:"markPx"`
	Upl      models.Number `json:"upl"`
	UplRatio models.Number `json:"uplRatio"`
}

type okxAck struct {
	OrdID   string `json:"ordId"`
	ClOrdID string `json:"clOrdId"`
	SCode   string `json:"sCode"`
	SMsg    string `json:"sMsg"`
}

type okxOrder struct {
	OrdID   string        `json:"ordId"`
	ClOrdID string        `json:"clOrdId"`
	InstID  string        `json:"instId"`
	Side    string        `json:"side"`
	Sz      models.Number `json:"sz"`
	Px      models.Number `json:"px"`
	AvgPx   models.Number `json:"avgPx"`
	State   string        `json:"state"`
	Fee     models.Number `json:"fee"`
	UTime   models.Number `json:"uTime"`
}

type okxFill struct {
	Fee models.Number `json:"fee"`
}

func (o *OKX) do(ctx context.Context, endpoint, operation string, req rest.Request, out any) error {
	var env okxEnvelope
	if err := o.call(ctx, endpoint, operation, req, &env); err != nil {
		return err
	}
	if env.Code != "0" {
		return o.fail(&apiError{
			exchange: ExchangeOKX,
			code:     env.Code,
			message:  env.Msg,
			status:   okxCodeStatus[env.Code],
		}, operation)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return o.fail(fmt.Errorf("failed to decode okx data: %w", err), operation)
	}
	return nil
}

// Connect validates the credentials and opens the stream
func (o *OKX) Connect(ctx context.Context) error {
	return o.connect(ctx, o.ValidateCredentials)
}

// ValidateCredentials reads the account configuration
func (o *OKX) ValidateCredentials(ctx context.Context) (bool, error) {
	return o.validate(ctx, func(ctx context.Context) error {
		return o.do(ctx, EndpointAccount, "validateCredentials",
			rest.Request{Method: http.MethodGet, Path: okxConfigPath, Signed: true}, nil)
	})
}

// GetAccountBalance returns currencies with a positive balance
func (o *OKX) GetAccountBalance(ctx context.Context) ([]models.AccountBalance, error) {
	var accounts []okxBalance
	if err := o.do(ctx, EndpointAccount, "getAccountBalance",
		rest.Request{Method: http.MethodGet, Path: okxBalancePath, Signed: true}, &accounts); err != nil {
		return nil, err
	}

	var balances []models.AccountBalance
	for _, account := range accounts {
		for _, d := range account.Details {
			bal := models.NewAccountBalance(d.Ccy, d.AvailBal.Decimal(), d.FrozenBal.Decimal())
			if bal.IsEmpty() {
				continue
			}
			balances = append(balances, bal)
		}
	}
	return balances, nil
}

// GetPositions returns open swap positions. Hedge-mode rows carry an
// explicit side; net-mode rows are signed.
func (o *OKX) GetPositions(ctx context.Context) ([]models.Position, error) {
	var rows []okxPosition
	if err := o.do(ctx, EndpointPositions, "getPositions", rest.Request{
		Method: http.MethodGet,
		Path:   okxPositionsPath,
		Query:  url.Values{"instType": {"SWAP"}},
		Signed: true,
	}, &rows); err != nil {
		return nil, err
	}

	positions := make([]models.Position, 0, len(rows))
	for _, row := range rows {
		pos := row.Pos.Decimal()
		if pos.IsZero() {
			continue
		}
		side, size := models.SideFromSignedSize(pos)
		switch row.PosSide {
		case "long":
			side = models.PositionLong
		case "short":
			side = models.PositionShort
		}
		positions = append(positions, models.Position{
			Symbol:     fromOKXInstID(row.InstID),
			Side:       side,
			Size:       size.InexactFloat64(),
			EntryPrice: row.AvgPx.Float(),
			MarkPrice:  row.MarkPx.Float(),
			PnL:        row.Upl.Float(),
			Percentage: row.UplRatio.Decimal().Mul(decimal.NewFromInt(100)).InexactFloat64(),
		})
	}
	return positions, nil
}

// PlaceOrder submits order. Market orders fill on acceptance, so their fees
// are looked up; an unknown fee stays nil.
func (o *OKX) PlaceOrder(ctx context.Context, order models.TradeOrder) (*models.TradeResult, error) {
	if err := order.Validate(); err != nil {
		return nil, err
	}
	if order.StopPrice != nil {
		return nil, o.fail(fmt.Errorf("stop orders are not supported on okx"), "placeOrder")
	}

	instID := toOKXInstID(order.Symbol)
	body := map[string]string{
		"instId":  instID,
		"tdMode":  "cross",
		"side":    string(order.Side),
		"ordType": okxOrderType(order),
		"sz":      models.FormatAmount(order.Quantity),
		"clOrdId": clientOrderID(32),
	}
	if order.Type == models.OrderTypeLimit {
		body["px"] = models.FormatAmount(order.LimitPrice())
	}

	var acks []okxAck
	if err := o.do(ctx, EndpointOrder, "placeOrder",
		rest.Request{Method: http.MethodPost, Path: okxOrderPath, Body: body, Signed: true}, &acks); err != nil {
		return nil, err
	}
	if len(acks) == 0 {
		return nil, o.fail(fmt.Errorf("okx returned an empty order acknowledgement"), "placeOrder")
	}
	ack := acks[0]
	if ack.SCode != "0" {
		return nil, o.fail(&apiError{exchange: ExchangeOKX, code: ack.SCode, message: ack.SMsg, status: okxCodeStatus[ack.SCode]}, "placeOrder")
	}

	result := &models.TradeResult{
		OrderID:       ack.OrdID,
		ClientOrderID: ack.ClOrdID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Quantity:      order.Quantity,
		Price:         order.LimitPrice(),
		Status:        okxStatuses.Normalize("live"),
		Timestamp:     o.now().UTC(),
	}
	if order.Type == models.OrderTypeMarket {
		result.Fees = o.lookupFees(ctx, instID, ack.OrdID)
	}

	o.logger.Info("order placed", "symbol", order.Symbol, "order_id", ack.OrdID)
	return result, nil
}

// lookupFees sums the fills' fees. OKX reports charged fees as negative
// amounts; the result is the absolute cost.
func (o *OKX) lookupFees(ctx context.Context, instID, ordID string) *float64 {
	var fills []okxFill
	if err := o.do(ctx, EndpointStatus, "lookupFees", rest.Request{
		Method: http.MethodGet,
		Path:   okxFillsPath,
		Query:  url.Values{"instType": {"SWAP"}, "instId": {instID}, "ordId": {ordID}},
		Signed: true,
	}, &fills); err != nil {
		o.logger.Warn("fee lookup failed", "order_id", ordID, "error", err)
		return nil
	}
	if len(fills) == 0 {
		return nil
	}
	total := decimal.Zero
	for _, f := range fills {
		total = total.Add(f.Fee.Decimal())
	}
	fee := total.Abs().InexactFloat64()
	return &fee
}

// CancelOrder reports whether OKX accepted the cancellation
func (o *OKX) CancelOrder(ctx context.Context, orderID, symbol string) (bool, error) {
	var acks []okxAck
	if err := o.do(ctx, EndpointCancel, "cancelOrder", rest.Request{
		Method: http.MethodPost,
		Path:   okxCancelPath,
		Body:   map[string]string{"instId": toOKXInstID(symbol), "ordId": orderID},
		Signed: true,
	}, &acks); err != nil {
		return false, err
	}
	return len(acks) > 0 && acks[0].SCode == "0", nil
}

// GetOrderStatus re-fetches one order
func (o *OKX) GetOrderStatus(ctx context.Context, orderID, symbol string) (*models.TradeResult, error) {
	var orders []okxOrder
	if err := o.do(ctx, EndpointStatus, "getOrderStatus", rest.Request{
		Method: http.MethodGet,
		Path:   okxOrderPath,
		Query:  url.Values{"instId": {toOKXInstID(symbol)}, "ordId": {orderID}},
		Signed: true,
	}, &orders); err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, o.fail(fmt.Errorf("order %s not found for %s", orderID, symbol), "getOrderStatus")
	}
	return o.toResult(orders[0]), nil
}

// HealthCheck reads the public server time
func (o *OKX) HealthCheck(ctx context.Context) error {
	return o.ping(ctx, rest.Request{Method: http.MethodGet, Path: okxTimePath})
}

func (o *OKX) toResult(ord okxOrder) *models.TradeResult {
	price := ord.AvgPx.Decimal()
	if price.IsZero() {
		price = ord.Px.Decimal()
	}
	result := &models.TradeResult{
		OrderID:       ord.OrdID,
		ClientOrderID: ord.ClOrdID,
		Symbol:        fromOKXInstID(ord.InstID),
		Side:          models.ParseSide(ord.Side),
		Quantity:      ord.Sz.Float(),
		Price:         price.InexactFloat64(),
		Status:        okxStatuses.Normalize(ord.State),
		Timestamp:     models.UnixMillis(ord.UTime.Int()),
	}
	if ord.Fee != "" {
		fee := ord.Fee.Decimal().Abs().InexactFloat64()
		result.Fees = &fee
	}
	return result
}

func okxOrderType(order models.TradeOrder) string {
	if order.Type == models.OrderTypeMarket {
		return "market"
	}
	switch timeInForceOrDefault(order.TimeInForce) {
	case models.TimeInForceIOC:
		return "ioc"
	case models.TimeInForceFOK:
		return "fok"
	default:
		return "limit"
	}
}

var okxQuotes = []string{"USDT", "USDC", "USD"}

// toOKXInstID converts BTCUSDT to BTC-USDT-SWAP. Symbols already in OKX
// form pass through.
func toOKXInstID(symbol string) string {
	symbol = strings.ToUpper(symbol)
	if strings.Contains(symbol, "-") {
		return symbol
	}
	for _, quote := range okxQuotes {
		if base, ok := strings.CutSuffix(symbol, quote); ok && base != "" {
			return base + "-" + quote + okxSwapSuffix
		}
	}
	return symbol
}

// fromOKXInstID converts BTC-USDT-SWAP back to BTCUSDT
func fromOKXInstID(instID string) string {
	return strings.ReplaceAll(strings.TrimSuffix(instID, okxSwapSuffix), "-", "")
}

// okxCodec frames the public tickers channel
type okxCodec struct{}

type okxArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type okxOp struct {
	Op   string   `json:"op"`
	Args []okxArg `json:"args"`
}

type okxTicker struct {
	Arg  okxArg `json:"arg"`
	Data []struct {
		InstID  string        `json:"instId"`
		Last    models.Number `json:"last"`
		Open24h models.Number `json:"open24h"`
		Vol24h  models.Number `json:"vol24h"`
		TS      models.Number `json:"ts"`
	} `json:"data"`
}

func (c *okxCodec) frame(op string, symbols []string) ([][]byte, error) {
	args := make([]okxArg, 0, len(symbols))
	for _, s := range symbols {
		args = append(args, okxArg{Channel: "tickers", InstID: toOKXInstID(s)})
	}
	b, err := json.Marshal(okxOp{Op: op, Args: args})
	if err != nil {
		return nil, err
	}
	return [][]byte{b}, nil
}

func (c *okxCodec) SubscribeFrames(symbols []string) ([][]byte, error) {
	return c.frame("subscribe", symbols)
}

func (c *okxCodec) UnsubscribeFrames(symbols []string) ([][]byte, error) {
	return c.frame("unsubscribe", symbols)
}

func (c *okxCodec) Decode(msg []byte) (models.MarketData, bool) {
	var t okxTicker
	if err := json.Unmarshal(msg, &t); err != nil || t.Arg.Channel != "tickers" || len(t.Data) == 0 {
		return models.MarketData{}, false
	}
	d := t.Data[0]
	last := d.Last.Decimal()
	return models.MarketData{
		Symbol:    fromOKXInstID(d.InstID),
		Price:     last.InexactFloat64(),
		Change24h: percentChange(d.Open24h.Decimal(), last),
		Volume24h: d.Vol24h.Float(),
		Timestamp: models.UnixMillis(d.TS.Int()),
	}, true
}

func (c *okxCodec) Ping() (int, []byte) {
	return textMessage, []byte("ping")
}
