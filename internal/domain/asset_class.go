package domain

import "strings"

// AssetClass is the instrument classification resolved once at ingestion.
type AssetClass string

const (
	AssetClassEquity      AssetClass = "equity"
	AssetClassETF         AssetClass = "etf"
	AssetClassMutualFund  AssetClass = "mutual_fund"
	AssetClassMoneyMarket AssetClass = "money_market"
	AssetClassBond        AssetClass = "bond"
	AssetClassCrypto      AssetClass = "crypto"
	AssetClassUnknown     AssetClass = "unknown"
)

// Badge is what the UI shows next to an instrument's risk figures.
type Badge string

const (
	BadgeNone  Badge = ""
	BadgeNA    Badge = "N/A"
	BadgeError Badge = "error"
)

// ordered so that more specific keywords win ("money market fund" is not a mutual fund)
var classKeywords = []struct {
	class    AssetClass
	keywords []string
}{
	{AssetClassMoneyMarket, []string{"money market", "money-market", "cash equivalent", "mmf"}},
	{AssetClassETF, []string{"etf", "exchange traded", "exchange-traded"}},
	{AssetClassMutualFund, []string{"mutual fund", "mutualfund", "open-end fund", "ucits", "fund"}},
	{AssetClassBond, []string{"bond", "fixed income", "treasury", "debt"}},
	{AssetClassCrypto, []string{"crypto", "bitcoin", "ethereum", "digital asset"}},
	{AssetClassEquity, []string{"equity", "stock", "common", "share", "technology", "financial",
		"healthcare", "industrial", "consumer", "energy", "utilities", "materials", "real estate",
		"communication"}},
}

// ClassifyAsset derives the asset class from free-text category and industry strings.
// Category wins over industry.
func ClassifyAsset(category, industry string) AssetClass {
	for _, text := range []string{category, industry} {
		t := strings.ToLower(strings.TrimSpace(text))
		if t == "" {
			continue
		}
		for _, ck := range classKeywords {
			for _, kw := range ck.keywords {
				if strings.Contains(t, kw) {
					return ck.class
				}
			}
		}
	}
	return AssetClassUnknown
}

// ParseAssetClass converts a stored value back to an AssetClass
func ParseAssetClass(s string) AssetClass {
	switch AssetClass(s) {
	case AssetClassEquity, AssetClassETF, AssetClassMutualFund, AssetClassMoneyMarket,
		AssetClassBond, AssetClassCrypto:
		return AssetClass(s)
	}
	return AssetClassUnknown
}

// ExpectsPriceHistory reports whether providers are expected to carry daily closes
// for this class. Funds and money-market instruments frequently have none.
func (c AssetClass) ExpectsPriceHistory() bool {
	switch c {
	case AssetClassMutualFund, AssetClassMoneyMarket:
		return false
	}
	return true
}

// BadgeFor returns the badge for a risk read that ended in err.
// Missing data is a normal outcome and renders N/A, never an error banner.
func BadgeFor(class AssetClass, err error) Badge {
	if err == nil {
		return BadgeNone
	}
	if IsNoData(err) || IsInsufficientHistory(err) {
		return BadgeNA
	}
	if !class.ExpectsPriceHistory() {
		return BadgeNA
	}
	return BadgeError
}
