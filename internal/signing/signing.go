// Package signing implements the per-exchange request authentication schemes.
// Every signer keeps its key material as []byte so it can be wiped when the
// owning connector is torn down.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// DefaultRecvWindow is the receive window sent to exchanges that support one.
const DefaultRecvWindow = 5 * time.Second

// Request is the part of an outgoing HTTP request covered by a signature
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   []byte
}

// Signed carries the final raw query and authentication headers. The caller
// must send RawQuery verbatim since the signature covers its exact bytes.
type Signed struct {
	RawQuery string
	Headers  http.Header
}

// Signer authenticates requests for one exchange
type Signer interface {
	Sign(req Request, now time.Time) Signed
	Wipe()
}

type keys struct {
	apiKey     []byte
	secret     []byte
	passphrase []byte
}

func newKeys(apiKey, secret, passphrase string) keys {
	return keys{
		apiKey:     []byte(apiKey),
		secret:     []byte(secret),
		passphrase: []byte(passphrase),
	}
}

// Wipe clears the keys from memory.
func (k *keys) Wipe() {
	wipeSlice(k.apiKey)
	wipeSlice(k.secret)
	wipeSlice(k.passphrase)
}

func wipeSlice(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func (k *keys) mac(payload string) []byte {
	m := hmac.New(sha256.New, k.secret)
	m.Write([]byte(payload))
	return m.Sum(nil)
}

func encodeQuery(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	return q.Encode()
}

func pathWithQuery(path, rawQuery string) string {
	if rawQuery == "" {
		return path
	}
	return path + "?" + rawQuery
}

// DeltaSigner signs Delta Exchange requests:
// hex(HMAC-SHA256(method + timestamp + path[?query] + body)) with the
// timestamp in epoch seconds.
type DeltaSigner struct {
	keys
}

// NewDeltaSigner creates a Delta Exchange signer
func NewDeltaSigner(apiKey, secret string) *DeltaSigner {
	return &DeltaSigner{keys: newKeys(apiKey, secret, "")}
}

// Sign implements Signer
func (s *DeltaSigner) Sign(req Request, now time.Time) Signed {
	timestamp := strconv.FormatInt(now.Unix(), 10)
	rawQuery := encodeQuery(req.Query)
	payload := req.Method + timestamp + pathWithQuery(req.Path, rawQuery) + string(req.Body)

	h := http.Header{}
	h.Set("api-key", string(s.apiKey))
	h.Set("timestamp", timestamp)
	h.Set("signature", hex.EncodeToString(s.mac(payload)))
	return Signed{RawQuery: rawQuery, Headers: h}
}

// BinanceSigner signs Binance USDⓈ-M Futures requests. The timestamp and
// recvWindow are added to the query, which is then signed and extended with
// the signature parameter.
type BinanceSigner struct {
	keys
	recvWindow time.Duration
}

// NewBinanceSigner creates a Binance Futures signer
func NewBinanceSigner(apiKey, secret string) *BinanceSigner {
	return &BinanceSigner{keys: newKeys(apiKey, secret, ""), recvWindow: DefaultRecvWindow}
}

// Sign implements Signer
func (s *BinanceSigner) Sign(req Request, now time.Time) Signed {
	q := url.Values{}
	for k, v := range req.Query {
		q[k] = append([]string(nil), v...)
	}
	q.Set("timestamp", strconv.FormatInt(now.UnixMilli(), 10))
	q.Set("recvWindow", strconv.FormatInt(s.recvWindow.Milliseconds(), 10))

	encoded := q.Encode()
	payload := encoded + string(req.Body)
	signature := hex.EncodeToString(s.mac(payload))

	h := http.Header{}
	h.Set("X-MBX-APIKEY", string(s.apiKey))
	return Signed{RawQuery: encoded + "&signature=" + signature, Headers: h}
}

// BybitSigner signs Bybit V5 requests:
// hex(HMAC-SHA256(timestamp + apiKey + recvWindow + params)) where params is
// the query string for GET and the JSON body otherwise.
type BybitSigner struct {
	keys
	recvWindow time.Duration
}

// NewBybitSigner creates a Bybit signer
func NewBybitSigner(apiKey, secret string) *BybitSigner {
	return &BybitSigner{keys: newKeys(apiKey, secret, ""), recvWindow: DefaultRecvWindow}
}

// Sign implements Signer
func (s *BybitSigner) Sign(req Request, now time.Time) Signed {
	timestamp := strconv.FormatInt(now.UnixMilli(), 10)
	recvWindow := strconv.FormatInt(s.recvWindow.Milliseconds(), 10)
	rawQuery := encodeQuery(req.Query)

	params := rawQuery
	if req.Method != http.MethodGet {
		params = string(req.Body)
	}
	payload := timestamp + string(s.apiKey) + recvWindow + params

	h := http.Header{}
	h.Set("X-BAPI-API-KEY", string(s.apiKey))
	h.Set("X-BAPI-TIMESTAMP", timestamp)
	h.Set("X-BAPI-RECV-WINDOW", recvWindow)
	h.Set("X-BAPI-SIGN", hex.EncodeToString(s.mac(payload)))
	h.Set("X-BAPI-SIGN-TYPE", "2")
	return Signed{RawQuery: rawQuery, Headers: h}
}

// OKXTimestampLayout is the ISO-8601 millisecond layout OKX expects
const OKXTimestampLayout = "2006-01-02T15:04:05.000Z"

// OKXSigner signs OKX V5 requests:
// base64(HMAC-SHA256(isoTimestamp + method + path[?query] + body)).
type OKXSigner struct {
	keys
	simulated bool
}

// NewOKXSigner creates an OKX signer. Simulated marks demo-trading requests.
func NewOKXSigner(apiKey, secret, passphrase string, simulated bool) *OKXSigner {
	return &OKXSigner{keys: newKeys(apiKey, secret, passphrase), simulated: simulated}
}

// Sign implements Signer
func (s *OKXSigner) Sign(req Request, now time.Time) Signed {
	timestamp := now.UTC().Format(OKXTimestampLayout)
	rawQuery := encodeQuery(req.Query)
	payload := timestamp + req.Method + pathWithQuery(req.Path, rawQuery) + string(req.Body)

	h := http.Header{}
	h.Set("OK-ACCESS-KEY", string(s.apiKey))
	h.Set("OK-ACCESS-SIGN", base64.StdEncoding.EncodeToString(s.mac(payload)))
	h.Set("OK-ACCESS-TIMESTAMP", timestamp)
	h.Set("OK-ACCESS-PASSPHRASE", string(s.passphrase))
	if s.simulated {
		h.Set("x-simulated-trading", "1")
	}
	return Signed{RawQuery: rawQuery, Headers: h}
}
