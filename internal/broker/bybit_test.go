package broker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	brokererrors "github.com/johnayoung/go-broker-connectors/internal/errors"
	"github.com/johnayoung/go-broker-connectors/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBybit(t *testing.T) (*restMock, ExchangeConnector) {
	api := newRESTMock(t)
	return api, newTestConnector(t, ExchangeBybit, api.URL, "")
}

func TestBybit_ValidateCredentials(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    bool
		wantErr brokererrors.Kind
	}{
		{"valid", `{"retCode":0,"retMsg":"OK","result":{}}`, true, ""},
		{"invalid key", `{"retCode":10003,"retMsg":"API key is invalid."}`, false, ""},
		{"bad signature", `{"retCode":10004,"retMsg":"error sign!"}`, false, ""},
		{"throttled", `{"retCode":10006,"retMsg":"Too many visits!"}`, false, brokererrors.KindRateLimited},
		{"unknown code", `{"retCode":110001,"retMsg":"order not exists"}`, false, brokererrors.KindGeneric},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api, c := newTestBybit(t)
			api.handle(http.MethodGet, bybitAPIKeyPath, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "test-key", r.Header.Get("X-BAPI-API-KEY"))
				assert.Equal(t, "2", r.Header.Get("X-BAPI-SIGN-TYPE"))
				assert.NotEmpty(t, r.Header.Get("X-BAPI-SIGN"))
				_, _ = io.WriteString(w, tt.body)
			})

			ok, err := c.ValidateCredentials(context.Background())
			assert.Equal(t, tt.want, ok)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, brokererrors.IsKind(err, tt.wantErr), err.Error())
		})
	}
}

func TestBybit_GetAccountBalance(t *testing.T) {
	api, c := newTestBybit(t)
	api.handle(http.MethodGet, bybitWalletPath, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "UNIFIED", r.URL.Query().Get("accountType"))
		_, _ = io.WriteString(w, `{"retCode":0,"result":{"list":[{"coin":[
			{"coin":"USDT","walletBalance":"1000","locked":"100","totalOrderIM":"50"},
			{"coin":"BTC","walletBalance":"0.1","locked":"0.5","totalOrderIM":""},
			{"coin":"ETH","walletBalance":"0","locked":"0","totalOrderIM":"0"}
		]}]}}`)
	})

	balances, err := c.GetAccountBalance(context.Background())
	require.NoError(t, err)
	require.Len(t, balances, 2)
	assert.Equal(t, models.AccountBalance{Asset: "USDT", Free: 850, Locked: 150, Total: 1000}, balances[0])
	// locked is capped at the wallet balance
	assert.Equal(t, models.AccountBalance{Asset: "BTC", Free: 0, Locked: 0.1, Total: 0.1}, balances[1])
}

func TestBybit_GetPositions(t *testing.T) {
	api, c := newTestBybit(t)
	api.handle(http.MethodGet, bybitPositionPath, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "linear", r.URL.Query().Get("category"))
		assert.Equal(t, "USDT", r.URL.Query().Get("settleCoin"))
		_, _ = io.WriteString(w, `{"retCode":0,"result":{"list":[
			{"symbol":"BTCUSDT","side":"Sell","size":"0.2","avgPrice":"50000","markPrice":"49000","unrealisedPnl":"200","positionValue":"10000"},
			{"symbol":"ETHUSDT","side":"None","size":"0","avgPrice":"0","markPrice":"3000","unrealisedPnl":"0","positionValue":"0"},
			{"symbol":"XRPUSDT","side":"Buy","size":"100","avgPrice":"0.5","markPrice":"0.55","unrealisedPnl":"5","positionValue":"0"}
		]}}`)
	})

	positions, err := c.GetPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 2)
	assert.Equal(t, models.PositionShort, positions[0].Side)
	assert.Equal(t, 0.2, positions[0].Size)
	assert.InDelta(t, 2.0, positions[0].Percentage, 1e-9)
	assert.Equal(t, models.PositionLong, positions[1].Side)
	assert.Equal(t, 0.0, positions[1].Percentage)
}

func TestBybitPercentage(t *testing.T) {
	assert.Equal(t, 0.0, bybitPercentage(models.ParseAmount("15"), models.ParseAmount("0")))
	assert.InDelta(t, -5.0, bybitPercentage(models.ParseAmount("-5"), models.ParseAmount("100")), 1e-9)
}

func TestBybit_PlaceMarketOrder(t *testing.T) {
	api, c := newTestBybit(t)
	api.handle(http.MethodPost, bybitCreateOrderPath, func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var body map[string]string
		require.NoError(t, json.Unmarshal(raw, &body))
		assert.Equal(t, "linear", body["category"])
		assert.Equal(t, "Buy", body["side"])
		assert.Equal(t, "Market", body["orderType"])
		assert.Equal(t, "IOC", body["timeInForce"])
		assert.Equal(t, "0.5", body["qty"])
		assert.Equal(t, "30000", body["triggerPrice"])
		assert.Len(t, body["orderLinkId"], 32)
		_, _ = io.WriteString(w, `{"retCode":0,"result":{"orderId":"1321003749386327552","orderLinkId":"`+body["orderLinkId"]+`"}}`)
	})

	stop := 30000.0
	result, err := c.PlaceOrder(context.Background(), models.TradeOrder{
		Symbol: "BTCUSDT", Side: models.SideBuy, Type: models.OrderTypeMarket, Quantity: 0.5, StopPrice: &stop,
	})
	require.NoError(t, err)
	assert.Equal(t, "1321003749386327552", result.OrderID)
	assert.NotEmpty(t, result.ClientOrderID)
	assert.Equal(t, models.StatusPending, result.Status)
	assert.Equal(t, 0.0, result.Price)
	assert.Nil(t, result.Fees)
}

func TestBybit_PlaceOrderRejected(t *testing.T) {
	api, c := newTestBybit(t)
	api.json(http.MethodPost, bybitCreateOrderPath, 200, `{"retCode":110007,"retMsg":"ab not enough for new order"}`)

	price := 1.0
	_, err := c.PlaceOrder(context.Background(), models.TradeOrder{
		Symbol: "BTCUSDT", Side: models.SideBuy, Type: models.OrderTypeLimit, Quantity: 1, Price: &price,
	})
	require.Error(t, err)
	assert.True(t, brokererrors.IsKind(err, brokererrors.KindGeneric))
	assert.Contains(t, err.Error(), "110007")
}

func TestBybit_CancelOrder(t *testing.T) {
	api, c := newTestBybit(t)
	api.json(http.MethodPost, bybitCancelOrderPath, 200, `{"retCode":0,"result":{"orderId":"42","orderLinkId":"x"}}`)

	ok, err := c.CancelOrder(context.Background(), "42", "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBybit_GetOrderStatusFallsBackToHistory(t *testing.T) {
	api, c := newTestBybit(t)
	api.json(http.MethodGet, bybitOpenOrdersPath, 200, `{"retCode":0,"result":{"list":[]}}`)
	api.json(http.MethodGet, bybitOrderHistoryPath, 200, `{"retCode":0,"result":{"list":[
		{"orderId":"42","orderLinkId":"x","symbol":"BTCUSDT","side":"Sell","qty":"1","price":"0","avgPrice":"51000","orderStatus":"Filled","updatedTime":"1700000000000","cumExecFee":"0.51"}
	]}}`)

	result, err := c.GetOrderStatus(context.Background(), "42", "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFilled, result.Status)
	assert.Equal(t, models.SideSell, result.Side)
	assert.Equal(t, 51000.0, result.Price)
	require.NotNil(t, result.Fees)
	assert.Equal(t, 0.51, *result.Fees)
	assert.Equal(t, 1, api.count(http.MethodGet, bybitOpenOrdersPath))
}

func TestBybit_GetOrderStatusNotFound(t *testing.T) {
	api, c := newTestBybit(t)
	api.json(http.MethodGet, bybitOpenOrdersPath, 200, `{"retCode":0,"result":{"list":[]}}`)
	api.json(http.MethodGet, bybitOrderHistoryPath, 200, `{"retCode":0,"result":{"list":[]}}`)

	_, err := c.GetOrderStatus(context.Background(), "42", "BTCUSDT")
	require.Error(t, err)
	assert.True(t, brokererrors.IsKind(err, brokererrors.KindGeneric))
}

func TestBybitCodec(t *testing.T) {
	c := &bybitCodec{}

	frames, err := c.SubscribeFrames([]string{"btcusdt", "ETHUSDT"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":"subscribe","args":["tickers.BTCUSDT","tickers.ETHUSDT"]}`, string(frames[0]))

	md, ok := c.Decode([]byte(`{"topic":"tickers.BTCUSDT","type":"snapshot","ts":1700000000000,"data":{"symbol":"BTCUSDT","lastPrice":"37000.5","price24hPcnt":"0.0123","volume24h":"5000"}}`))
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", md.Symbol)
	assert.Equal(t, 37000.5, md.Price)
	assert.InDelta(t, 1.23, md.Change24h, 1e-9)
	assert.Equal(t, 5000.0, md.Volume24h)

	// delta pushes without a last price are skipped
	_, ok = c.Decode([]byte(`{"topic":"tickers.BTCUSDT","type":"delta","ts":1,"data":{"symbol":"BTCUSDT","volume24h":"5001"}}`))
	assert.False(t, ok)
	_, ok = c.Decode([]byte(`{"success":true,"ret_msg":"","op":"subscribe"}`))
	assert.False(t, ok)

	typ, payload := c.Ping()
	assert.Equal(t, textMessage, typ)
	assert.Equal(t, `{"op":"ping"}`, string(payload))
}
