package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var signTime = time.Date(2024, 3, 1, 8, 30, 15, 123000000, time.UTC)

func expectedMAC(secret, payload string) []byte {
	m := hmac.New(sha256.New, []byte(secret))
	m.Write([]byte(payload))
	return m.Sum(nil)
}

func TestKeys_MAC_KnownVector(t *testing.T) {
	k := newKeys("dummy", "key", "")
	got := base64.StdEncoding.EncodeToString(k.mac("The quick brown fox jumps over the lazy dog"))
	assert.Equal(t, "97yD9DBThCSxMpjmqm+xQ+9NWaFJRhdZl0edvC0aPNg=", got)
}

func TestDeltaSigner(t *testing.T) {
	signer := NewDeltaSigner("delta-key", "delta-secret")
	body := `{"product_id":27,"size":1}`

	signed := signer.Sign(Request{
		Method: "POST",
		Path:   "/v2/orders",
		Body:   []byte(body),
	}, signTime)

	ts := "1709281815"
	assert.Equal(t, ts, signed.Headers.Get("timestamp"))
	assert.Equal(t, "delta-key", signed.Headers.Get("api-key"))
	assert.Equal(t, hex.EncodeToString(expectedMAC("delta-secret", "POST"+ts+"/v2/orders"+body)), signed.Headers.Get("signature"))
	assert.Empty(t, signed.RawQuery)

	t.Run("query is part of the payload", func(t *testing.T) {
		signed := signer.Sign(Request{
			Method: "GET",
			Path:   "/v2/orders",
			Query:  url.Values{"product_id": {"27"}, "state": {"open"}},
		}, signTime)
		assert.Equal(t, "product_id=27&state=open", signed.RawQuery)
		want := hex.EncodeToString(expectedMAC("delta-secret", "GET"+ts+"/v2/orders?product_id=27&state=open"))
		assert.Equal(t, want, signed.Headers.Get("signature"))
	})
}

func TestBinanceSigner(t *testing.T) {
	signer := NewBinanceSigner("binance-key", "binance-secret")
	query := url.Values{"symbol": {"BTCUSDT"}, "orderId": {"42"}}

	signed := signer.Sign(Request{Method: "GET", Path: "/fapi/v1/order", Query: query}, signTime)

	assert.Equal(t, "binance-key", signed.Headers.Get("X-MBX-APIKEY"))

	idx := strings.LastIndex(signed.RawQuery, "&signature=")
	require.Positive(t, idx)
	unsigned := signed.RawQuery[:idx]
	signature := signed.RawQuery[idx+len("&signature="):]

	assert.Equal(t, "orderId=42&recvWindow=5000&symbol=BTCUSDT&timestamp=1709281815123", unsigned)
	assert.Equal(t, hex.EncodeToString(expectedMAC("binance-secret", unsigned)), signature)

	// caller's values are not mutated
	assert.Empty(t, query.Get("timestamp"))
}

func TestBybitSigner(t *testing.T) {
	signer := NewBybitSigner("bybit-key", "bybit-secret")
	ts := "1709281815123"

	t.Run("get signs the query", func(t *testing.T) {
		signed := signer.Sign(Request{
			Method: "GET",
			Path:   "/v5/position/list",
			Query:  url.Values{"category": {"linear"}, "settleCoin": {"USDT"}},
		}, signTime)

		params := "category=linear&settleCoin=USDT"
		assert.Equal(t, params, signed.RawQuery)
		assert.Equal(t, ts, signed.Headers.Get("X-BAPI-TIMESTAMP"))
		assert.Equal(t, "5000", signed.Headers.Get("X-BAPI-RECV-WINDOW"))
		assert.Equal(t, "bybit-key", signed.Headers.Get("X-BAPI-API-KEY"))
		want := hex.EncodeToString(expectedMAC("bybit-secret", ts+"bybit-key"+"5000"+params))
		assert.Equal(t, want, signed.Headers.Get("X-BAPI-SIGN"))
	})

	t.Run("post signs the body", func(t *testing.T) {
		body := `{"category":"linear","symbol":"BTCUSDT"}`
		signed := signer.Sign(Request{Method: "POST", Path: "/v5/order/create", Body: []byte(body)}, signTime)
		want := hex.EncodeToString(expectedMAC("bybit-secret", ts+"bybit-key"+"5000"+body))
		assert.Equal(t, want, signed.Headers.Get("X-BAPI-SIGN"))
	})
}

func TestOKXSigner(t *testing.T) {
	iso := "2024-03-01T08:30:15.123Z"

	t.Run("live", func(t *testing.T) {
		signer := NewOKXSigner("okx-key", "okx-secret", "okx-pass", false)
		signed := signer.Sign(Request{
			Method: "GET",
			Path:   "/api/v5/account/balance",
			Query:  url.Values{"ccy": {"USDT"}},
		}, signTime)

		assert.Equal(t, iso, signed.Headers.Get("OK-ACCESS-TIMESTAMP"))
		assert.Equal(t, "okx-key", signed.Headers.Get("OK-ACCESS-KEY"))
		assert.Equal(t, "okx-pass", signed.Headers.Get("OK-ACCESS-PASSPHRASE"))
		want := base64.StdEncoding.EncodeToString(expectedMAC("okx-secret", iso+"GET"+"/api/v5/account/balance?ccy=USDT"))
		assert.Equal(t, want, signed.Headers.Get("OK-ACCESS-SIGN"))
		assert.Empty(t, signed.Headers.Get("x-simulated-trading"))
	})

	t.Run("simulated", func(t *testing.T) {
		signer := NewOKXSigner("okx-key", "okx-secret", "okx-pass", true)
		signed := signer.Sign(Request{Method: "POST", Path: "/api/v5/trade/order", Body: []byte(`{}`)}, signTime)
		assert.Equal(t, "1", signed.Headers.Get("x-simulated-trading"))
	})
}

func TestWipe(t *testing.T) {
	signer := NewOKXSigner("okx-key", "okx-secret", "okx-pass", false)
	secret := signer.secret
	signer.Wipe()
	for _, b := range secret {
		assert.Zero(t, b)
	}
	for _, b := range signer.passphrase {
		assert.Zero(t, b)
	}

	var _ Signer = NewDeltaSigner("a", "b")
	var _ Signer = NewBinanceSigner("a", "b")
	var _ Signer = NewBybitSigner("a", "b")
	var _ Signer = signer
}
