package symbol

import "strings"

// VendorConverter 对应长周期历史档案的小写文件名写法（usdjpy）。
type VendorConverter struct{}

func (VendorConverter) ToExchange(canonical string) string {
	return strings.ToLower(Normalize(canonical))
}

func (VendorConverter) FromExchange(raw string) string { return Normalize(raw) }

func (VendorConverter) Format() Format { return FormatVendor }

// BrokerConverter 处理经纪商终端给品种追加的后缀（USDJPY.m、USDJPY#）。
type BrokerConverter struct {
	Suffix string
}

func (c BrokerConverter) ToExchange(canonical string) string {
	norm := Normalize(canonical)
	if norm == "" {
		return ""
	}
	return norm + strings.TrimSpace(c.Suffix)
}

func (c BrokerConverter) FromExchange(raw string) string {
	raw = strings.TrimSpace(raw)
	if c.Suffix != "" {
		raw = strings.TrimSuffix(raw, c.Suffix)
	}
	return Normalize(raw)
}

func (BrokerConverter) Format() Format { return FormatBroker }

type BinanceConverter struct{}

func (BinanceConverter) ToExchange(canonical string) string {
	s := strings.ToUpper(strings.TrimSpace(canonical))
	return strings.NewReplacer("/", "", "_", "", "-", "").Replace(s)
}

func (BinanceConverter) FromExchange(raw string) string { return Normalize(raw) }

func (BinanceConverter) Format() Format { return FormatBinance }

var (
	Vendor  = VendorConverter{}
	Binance = BinanceConverter{}
)
