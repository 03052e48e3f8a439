// Package results is the content-addressable backtest results store: a
// compact SQL metadata index plus keyed bulk payloads for equity curves and
// trade ledgers.
package results

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"backtestlab/internal/domain"
)

// paramsHashLen is the fixed width of a parameter hash in hex characters.
const paramsHashLen = 16

// HashParams returns a stable, order-independent identifier for params. The
// canonical form lists key=value pairs in sorted key order with values in
// shortest round-trip float notation, so equal mappings hash equally across
// processes regardless of construction order.
func HashParams(p domain.Params) string {
	var b strings.Builder
	for _, k := range p.Keys() {
		v := p[k]
		if v == 0 {
			v = 0 // fold -0
		}
		b.WriteString(strconv.Quote(k))
		b.WriteByte('=')
		b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
		b.WriteByte(';')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:paramsHashLen]
}

// Key addresses one stored simulation.
type Key struct {
	Symbol     string `json:"symbol" db:"symbol"`
	Strategy   string `json:"strategy" db:"strategy"`
	ParamsHash string `json:"params_hash" db:"params_hash"`
	ExitRule   string `json:"exit_rule" db:"exit_rule"`
}

// NewKey derives the key for one (symbol, config, exit rule) run. Symbols
// are upper-cased and the exit rule uses its canonical name.
func NewKey(symbol string, cfg domain.StrategyConfig, rule domain.ExitRule) Key {
	return Key{
		Symbol:     strings.ToUpper(symbol),
		Strategy:   cfg.Name,
		ParamsHash: HashParams(cfg.Params),
		ExitRule:   rule.Name(),
	}
}

// ID is the primary key of the index row.
func (k Key) ID() string {
	return k.Symbol + "|" + k.Strategy + "|" + k.ParamsHash + "|" + k.ExitRule
}

// String implements fmt.Stringer.
func (k Key) String() string { return k.ID() }

// ParseID reverses Key.ID.
func ParseID(id string) (Key, bool) {
	parts := strings.Split(id, "|")
	if len(parts) != 4 {
		return Key{}, false
	}
	return Key{Symbol: parts[0], Strategy: parts[1], ParamsHash: parts[2], ExitRule: parts[3]}, true
}
