package symbol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"usdjpy":        "USDJPY",
		"USD/JPY":       "USDJPY",
		"USD_JPY":       "USDJPY",
		"eur-usd":       "EURUSD",
		"FX:EURUSD":     "EURUSD",
		"OANDA:USD_JPY": "USDJPY",
		"USDJPY.m":      "USDJPY",
		"USDJPY#":       "USDJPY",
		"USDJPY-cd":     "USDJPY",
		"USDJPYmicro":   "USDJPY",
		"gbpusd.pro":    "GBPUSD",
		"XAUUSD":        "XAUUSD",
		"BTCUSDT":       "BTCUSDT",
		"ETH/USDT":      "ETHUSDT",
		"":              "",
		"NOPE":          "",
	}
	for in, want := range cases {
		assert.Equal(t, want, Normalize(in), in)
	}
}

func TestNormalizeList(t *testing.T) {
	got := NormalizeList([]string{"usdjpy", "USD/JPY", "eurusd", "??"})
	assert.Equal(t, []string{"USDJPY", "EURUSD"}, got)
	assert.Nil(t, NormalizeList(nil))
	assert.True(t, IsValid("EUR/USD"))
	assert.False(t, IsValid("EUR"))
}

func TestConverters(t *testing.T) {
	assert.Equal(t, "usdjpy", Vendor.ToExchange("USD/JPY"))
	assert.Equal(t, "USDJPY", Vendor.FromExchange("usdjpy"))

	broker := BrokerConverter{Suffix: ".m"}
	assert.Equal(t, "USDJPY.m", broker.ToExchange("usdjpy"))
	assert.Equal(t, "USDJPY", broker.FromExchange("USDJPY.m"))
	assert.Equal(t, "", broker.ToExchange("??"))
	assert.Equal(t, FormatBroker, broker.Format())

	assert.Equal(t, "BTCUSDT", Binance.ToExchange("btc/usdt"))
	assert.Equal(t, "BTCUSDT", Binance.FromExchange("BTCUSDT"))

	_, err := MustNormalize("zz")
	assert.Error(t, err)
}
