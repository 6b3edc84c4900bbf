package simprovider

import (
	"fmt"

	"github.com/tjkoyama/atmrelay/internal/quote"
)

// The simulated TXO-style ladder has no fixed strike list: strikes are
// generated lazily around whatever ATM window the contract manager asks
// for, rather than a pre-seeded list — the directory grows to cover any
// strike a caller resolves.

// directoryEntry is the handle a resolved contract carries. Real
// brokerage directories expose their contract collection either as
// named attributes on a struct or as a keyed map — the ambiguity
// internal/contract's Resolve absorbs — but the simulator only ever
// needs the keyed-map shape itself; it doesn't need to reproduce both
// access styles to give Resolve something real to call.
type directoryEntry struct {
	Code       string
	Strike     int
	OptionType quote.OptionType
}

// directory resolves TXO-style contract codes of the form
// "TXO<strike><C|P>" on demand and caches them. It implements
// quote.Directory.
type directory struct {
	prefix string
	byCode map[string]directoryEntry
}

func newDirectory(prefix string) *directory {
	return &directory{prefix: prefix, byCode: make(map[string]directoryEntry)}
}

// Resolve parses code, validates it against the ladder shape, and
// returns a cached or newly-minted contract. Malformed codes (wrong
// prefix, non-numeric strike, unknown suffix) resolve to ok=false,
// mirroring a directory miss upstream.
func (d *directory) Resolve(code string) (quote.Contract, bool) {
	if entry, ok := d.byCode[code]; ok {
		return toContract(entry), true
	}

	strike, optType, ok := parseCode(code, d.prefix)
	if !ok {
		return quote.Contract{}, false
	}

	entry := directoryEntry{Code: code, Strike: strike, OptionType: optType}
	d.byCode[code] = entry
	return toContract(entry), true
}

func toContract(e directoryEntry) quote.Contract {
	return quote.Contract{Code: e.Code, Strike: e.Strike, OptionType: e.OptionType, Handle: e}
}

func parseCode(code, prefix string) (strike int, optType quote.OptionType, ok bool) {
	if len(code) <= len(prefix)+1 || code[:len(prefix)] != prefix {
		return 0, "", false
	}
	suffix := code[len(code)-1]
	body := code[len(prefix) : len(code)-1]

	switch suffix {
	case 'C':
		optType = quote.Call
	case 'P':
		optType = quote.Put
	default:
		return 0, "", false
	}

	n := 0
	for _, r := range body {
		if r < '0' || r > '9' {
			return 0, "", false
		}
		n = n*10 + int(r-'0')
	}
	if n <= 0 {
		return 0, "", false
	}
	return n, optType, true
}

// contractCode formats the code for a Strike/OptionType pair, the
// inverse of parseCode. Nothing in the package calls it.
func contractCode(prefix string, strike int, optType quote.OptionType) string {
	suffix := "C"
	if optType == quote.Put {
		suffix = "P"
	}
	return fmt.Sprintf("%s%d%s", prefix, strike, suffix)
}
