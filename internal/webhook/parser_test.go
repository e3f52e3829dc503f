package webhook

import (
	"testing"
	"time"

	"jet_trader/internal/core"
	apperrors "jet_trader/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var parseRec = &core.Recorder{ID: "rec1", Ticker: "MNQZ5", BaseQty: 2}

func parse(t *testing.T, body string) (*core.Signal, error) {
	t.Helper()
	return ParseAlert(parseRec, []byte(body), time.Date(2025, 11, 3, 14, 30, 0, 0, time.UTC))
}

func TestParseAlert_ExplicitActions(t *testing.T) {
	cases := []struct {
		body string
		want core.SignalAction
	}{
		{`{"ticker":"MNQ1!","action":"buy","price":21400.5,"quantity":2}`, core.SignalBuy},
		{`{"ticker":"MNQ1!","action":"SELL","price":21400}`, core.SignalSell},
		{`{"ticker":"MNQ1!","action":" Close "}`, core.SignalClose},
	}
	for _, tc := range cases {
		sig, err := parse(t, tc.body)
		require.NoError(t, err, tc.body)
		assert.Equal(t, tc.want, sig.Action, tc.body)
		assert.Equal(t, "MNQ1!", sig.AlertTicker)
		assert.Empty(t, sig.Ticker, "broker symbol is assigned by normalization, not the parser")
	}
}

func TestParseAlert_QuotedNumbers(t *testing.T) {
	sig, err := parse(t, `{"ticker":"mnq1!","action":"buy","price":"21400.50","quantity":"3"}`)
	require.NoError(t, err)

	assert.Equal(t, "MNQ1!", sig.AlertTicker)
	assert.True(t, sig.HasPrice)
	assert.Equal(t, "21400.5", sig.Price.String())
	assert.Equal(t, 3, sig.Qty)
}

func TestParseAlert_MarketPositionDerivation(t *testing.T) {
	cases := []struct {
		name string
		body string
		want core.SignalAction
	}{
		{"flat after long is close", `{"ticker":"MNQ1!","market_position":"flat","prev_position_size":2}`, core.SignalClose},
		{"landing long is buy", `{"ticker":"MNQ1!","market_position":"long","position_size":1,"price":21400}`, core.SignalBuy},
		{"landing short is sell", `{"ticker":"MNQ1!","market_position":"short","position_size":1,"prev_position_size":1,"price":21400}`, core.SignalSell},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sig, err := parse(t, tc.body)
			require.NoError(t, err)
			assert.Equal(t, tc.want, sig.Action)
		})
	}
}

func TestParseAlert_ExplicitActionWinsOverMarketPosition(t *testing.T) {
	sig, err := parse(t, `{"ticker":"MNQ1!","action":"sell","market_position":"long","price":21400}`)
	require.NoError(t, err)
	assert.Equal(t, core.SignalSell, sig.Action)
}

func TestParseAlert_Unparseable(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"broken json", `{"ticker":`},
		{"unknown action", `{"ticker":"MNQ1!","action":"hold"}`},
		{"no action no position", `{"ticker":"MNQ1!","price":21400}`},
		{"flat with no prior size", `{"ticker":"MNQ1!","market_position":"flat"}`},
		{"unknown market position", `{"ticker":"MNQ1!","market_position":"sideways"}`},
		{"negative price", `{"ticker":"MNQ1!","action":"buy","price":-1}`},
		{"negative quantity", `{"ticker":"MNQ1!","action":"buy","quantity":-2}`},
		{"fractional quantity", `{"ticker":"MNQ1!","action":"buy","quantity":1.5}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parse(t, tc.body)
			require.ErrorIs(t, err, apperrors.ErrUnparseableSignal)
		})
	}
}

func TestParseAlert_EntryWithoutPriceRejects(t *testing.T) {
	for _, body := range []string{
		`{"ticker":"MNQ1!","action":"buy"}`,
		`{"ticker":"MNQ1!","action":"sell","price":0}`,
		`{"ticker":"MNQ1!","market_position":"long","position_size":1}`,
	} {
		_, err := parse(t, body)
		require.ErrorIs(t, err, apperrors.ErrNoPrice, body)
	}
}

func TestParseAlert_CloseWithoutPriceIsFine(t *testing.T) {
	sig, err := parse(t, `{"ticker":"MNQ1!","action":"close"}`)
	require.NoError(t, err)

	assert.False(t, sig.HasPrice)
	assert.True(t, sig.Price.IsZero())
	assert.Zero(t, sig.Qty, "quantity resolution happens downstream")
}

func TestParseAlert_EmptyTickerFallsBackToRecorder(t *testing.T) {
	sig, err := parse(t, `{"action":"buy","price":21400}`)
	require.NoError(t, err)
	assert.Equal(t, "MNQZ5", sig.AlertTicker)
}

func TestParseAlert_StampsIdentity(t *testing.T) {
	body := `{"ticker":"MNQ1!","action":"buy","strategy_name":"momo_v2","price":21400}`
	sig, err := parse(t, body)
	require.NoError(t, err)

	assert.NotEmpty(t, sig.ID)
	assert.Equal(t, "rec1", sig.RecorderID)
	assert.Equal(t, "momo_v2", sig.Strategy)
	assert.JSONEq(t, body, string(sig.Raw))

	other, err := parse(t, body)
	require.NoError(t, err)
	assert.NotEqual(t, sig.ID, other.ID)
}
