package market

import "strings"

// Legacy ticker aliases kept for venues that still list the old names.
var symbolAliases = map[string]string{
	"1000PEPE": "kPEPE",
	"1000SHIB": "kSHIB",
	"1000BONK": "kBONK",
	"XBT":      "BTC",
}

// NormalizeSymbol reduces a venue instrument name to its base symbol:
// perp suffixes are stripped and legacy aliases mapped, so the same
// market on two venues joins on one key.
// Longest suffix first so "-USD-PERP" is not half-eaten by "-PERP".
var perpSuffixes = []string{"-USD-PERP", "-PERP", "_PERP"}

func NormalizeSymbol(symbol string) string {
	s := strings.TrimSpace(symbol)
	for _, suffix := range perpSuffixes {
		if strings.HasSuffix(s, suffix) {
			s = strings.TrimSuffix(s, suffix)
			break
		}
	}
	if alias, ok := symbolAliases[s]; ok {
		return alias
	}
	return s
}
