package symbol

import (
	"fmt"
	"strings"
)

type Format string

const (
	FormatCanonical Format = "canonical"
	FormatVendor    Format = "vendor"
	FormatBroker    Format = "broker"
	FormatBinance   Format = "binance"
)

// Converter 在规范写法与某个数据源的写法之间转换。
type Converter interface {
	ToExchange(canonical string) string

	FromExchange(raw string) string

	Format() Format
}

type Symbol struct {
	Base  string
	Quote string
}

// Canonical 返回规范写法 BASEQUOTE，例如 USDJPY。
func (s Symbol) Canonical() string {
	if s.Base == "" || s.Quote == "" {
		return ""
	}
	return s.Base + s.Quote
}

func (s Symbol) Slash() string {
	if s.Base == "" || s.Quote == "" {
		return ""
	}
	return s.Base + "/" + s.Quote
}

var currencies = map[string]struct{}{
	"USD": {}, "EUR": {}, "JPY": {}, "GBP": {}, "AUD": {}, "NZD": {}, "CAD": {}, "CHF": {},
	"CNH": {}, "HKD": {}, "SGD": {}, "SEK": {}, "NOK": {}, "DKK": {}, "PLN": {}, "MXN": {},
	"ZAR": {}, "TRY": {}, "HUF": {}, "CZK": {}, "XAU": {}, "XAG": {},
}

var cryptoQuotes = []string{"USDT", "BUSD", "USDC", "TUSD", "BTC", "ETH", "BNB"}

func isCurrency(code string) bool {
	_, ok := currencies[code]
	return ok
}

// Parse 识别各种数据源写法：USD/JPY、USD_JPY、FX:USDJPY、USDJPY.m、USDJPY#、usdjpy-cd、BTCUSDT 等。
func Parse(s string) Symbol {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return Symbol{}
	}
	if idx := strings.LastIndex(s, ":"); idx >= 0 {
		head, tail := s[:idx], s[idx+1:]
		if sym := Parse(tail); sym.Base != "" {
			return sym
		}
		s = head
	}

	if len(s) >= 7 && strings.ContainsRune("/_-", rune(s[3])) {
		base, quote := s[:3], lettersPrefix(s[4:], 3)
		if isCurrency(base) && isCurrency(quote) {
			return Symbol{Base: base, Quote: quote}
		}
	}
	if head := lettersPrefix(s, 6); len(head) == 6 && isCurrency(head[:3]) && isCurrency(head[3:]) {
		return Symbol{Base: head[:3], Quote: head[3:]}
	}

	if parts := strings.SplitN(s, "/", 2); len(parts) == 2 {
		return Symbol{
			Base:  strings.TrimSpace(parts[0]),
			Quote: strings.TrimSpace(parts[1]),
		}
	}
	for _, quote := range cryptoQuotes {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return Symbol{
				Base:  s[:len(s)-len(quote)],
				Quote: quote,
			}
		}
	}
	return Symbol{}
}

func lettersPrefix(s string, n int) string {
	i := 0
	for i < len(s) && i < n && s[i] >= 'A' && s[i] <= 'Z' {
		i++
	}
	return s[:i]
}

// Normalize 返回规范写法，无法识别时返回空串。
func Normalize(s string) string {
	return Parse(s).Canonical()
}

// MustNormalize 与 Normalize 相同，但无法识别时返回错误。
func MustNormalize(s string) (string, error) {
	out := Normalize(s)
	if out == "" {
		return "", fmt.Errorf("无法识别的品种: %q", s)
	}
	return out, nil
}

func NormalizeList(symbols []string) []string {
	if len(symbols) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		norm := Normalize(s)
		if norm == "" {
			continue
		}
		if _, ok := seen[norm]; ok {
			continue
		}
		seen[norm] = struct{}{}
		out = append(out, norm)
	}
	return out
}

func IsValid(s string) bool {
	sym := Parse(s)
	return sym.Base != "" && sym.Quote != ""
}
