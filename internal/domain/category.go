package domain

import "strings"

// Category groups a symbol for portfolio exposure limits (spec.md §4.5).
type Category string

const (
	CategoryL1         Category = "l1"
	CategoryMeme       Category = "meme"
	CategoryDeFi       Category = "defi"
	CategoryStablecoin Category = "stablecoin"
	CategoryOther      Category = "other"
)

// classification is a static table grounded on the teacher's large-cap /
// small-cap split in store/strategy.go, generalized into explicit
// categories. Real deployments would load this from a maintained asset
// registry; the engine only needs a lookup.
var classification = map[string]Category{
	"BTC":  CategoryL1,
	"ETH":  CategoryL1,
	"SOL":  CategoryL1,
	"AVAX": CategoryL1,
	"ADA":  CategoryL1,
	"DOT":  CategoryL1,
	"DOGE": CategoryMeme,
	"SHIB": CategoryMeme,
	"PEPE": CategoryMeme,
	"WIF":  CategoryMeme,
	"UNI":  CategoryDeFi,
	"AAVE": CategoryDeFi,
	"MKR":  CategoryDeFi,
	"CRV":  CategoryDeFi,
	"USDT": CategoryStablecoin,
	"USDC": CategoryStablecoin,
	"DAI":  CategoryStablecoin,
}

// baseAsset strips the quote currency from a "BASE/QUOTE" symbol such as
// "BTC/USDT".
func baseAsset(symbol string) string {
	if idx := strings.IndexByte(symbol, '/'); idx >= 0 {
		return symbol[:idx]
	}
	return symbol
}

// ClassifySymbol returns the category of a trading pair's base asset,
// defaulting to CategoryOther for anything not in the static table.
func ClassifySymbol(symbol string) Category {
	if c, ok := classification[strings.ToUpper(baseAsset(symbol))]; ok {
		return c
	}
	return CategoryOther
}

// CategoryCap is the maximum fraction of equity (as notional, which can
// exceed 1.0 under leverage) a category may occupy.
func CategoryCap(c Category) float64 {
	switch c {
	case CategoryL1:
		return 4.0
	case CategoryMeme:
		return 0.10
	case CategoryDeFi:
		return 0.50
	default:
		return 0.40
	}
}
