package zerodha

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optiontrader/internal/markethours"
	"optiontrader/internal/model"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{APIKey: "key", AccessToken: "tok", BaseURL: srv.URL}, slog.Default())
}

func TestBalance(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/user/margins/equity", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "token key:tok", r.Header.Get("Authorization"))
		assert.Equal(t, "3", r.Header.Get("X-Kite-Version"))
		fmt.Fprint(w, `{"status":"success","data":{"net":50000,"utilised":{"debits":10000},"available":{"cash":40000}}}`)
	})
	c := testClient(t, mux)

	b, err := c.Balance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.Balance{Total: 50000, Used: 10000, Available: 40000}, b)
}

func TestBalance_APIError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/user/margins/equity", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"status":"error","message":"Incorrect api_key or access_token.","error_type":"TokenException"}`)
	})
	c := testClient(t, mux)

	_, err := c.Balance(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TokenException")
}

func TestLivePrice_SymbolGetsExchangePrefix(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/quote/ltp", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "NFO:NIFTY25AUG24500CE", r.URL.Query().Get("i"))
		fmt.Fprint(w, `{"status":"success","data":{"NFO:NIFTY25AUG24500CE":{"last_price":132.4}}}`)
	})
	c := testClient(t, mux)

	p, err := c.LivePrice(context.Background(), "NIFTY25AUG24500CE")
	require.NoError(t, err)
	assert.Equal(t, 132.4, p)
}

func TestIntradayCandles(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/instruments/historical/256265/minute", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"success","data":{"candles":[
			["2026-08-19T09:15:00+0530",100,101,99,100.5,1000],
			["2026-08-19T09:16:00+0530",100.5,102,100,101.5,1200]
		]}}`)
	})
	c := testClient(t, mux)

	cs, err := c.IntradayCandles(context.Background(), "256265")
	require.NoError(t, err)
	require.Len(t, cs, 2)
	assert.Equal(t, 100.5, cs[0].Close)
	assert.True(t, cs[1].TS.After(cs[0].TS))
}

const instrumentsCSV = `instrument_token,exchange_token,tradingsymbol,name,last_price,expiry,strike,tick_size,lot_size,instrument_type,segment,exchange
11001,43,NIFTY25AUG24500CE,NIFTY,0,2026-08-19,24500,0.05,75,CE,NFO-OPT,NFO
11002,44,NIFTY25SEP24500CE,NIFTY,0,2026-08-27,24500,0.05,75,CE,NFO-OPT,NFO
11003,45,BANKNIFTY25AUG51000PE,BANKNIFTY,0,2026-08-27,51000,0.05,35,PE,NFO-OPT,NFO
`

func TestResolveOption(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/instruments/NFO", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, instrumentsCSV)
	})
	c := testClient(t, mux)
	c.now = func() time.Time {
		return time.Date(2026, time.August, 19, 10, 0, 0, 0, markethours.IST)
	}

	inst, err := c.ResolveOption(context.Background(), "NIFTY", 24480, model.OptionCall)
	require.NoError(t, err)
	// Same-day expiry skipped; Kite orders key on trading symbol.
	assert.Equal(t, "NIFTY25SEP24500CE", inst.Token)
	assert.Equal(t, 24500.0, inst.Strike)
	assert.Equal(t, 75, inst.LotSize)

	put, err := c.ResolveOption(context.Background(), "BANKNIFTY", 50980, model.OptionPut)
	require.NoError(t, err)
	assert.Equal(t, "BANKNIFTY25AUG51000PE", put.Token)
	assert.Equal(t, 35, put.LotSize)
}
