package indicator

import (
	"math"
	"sort"

	"backtestlab/internal/domain"
)

// A pattern flags bars whose candle shape, together with up to lookback
// preceding bars, forms a candlestick pattern. Pattern columns take no period;
// every row is 1 where the pattern completes and 0 elsewhere.
type pattern struct {
	lookback int
	match    func(bars []domain.Bar, i int) bool
}

var patterns = map[string]pattern{
	"engulfing_bull": {1, func(b []domain.Bar, i int) bool {
		prev, cur := b[i-1], b[i]
		return bearish(prev) && bullish(cur) && cur.Open < prev.Close && cur.Close > prev.Open
	}},
	"engulfing_bear": {1, func(b []domain.Bar, i int) bool {
		prev, cur := b[i-1], b[i]
		return bullish(prev) && bearish(cur) && cur.Open > prev.Close && cur.Close < prev.Open
	}},
	// Hammer and hanging man share a shape. Telling them apart needs the
	// preceding trend, which is left to the caller.
	"hammer": {0, func(b []domain.Bar, i int) bool {
		return hangsFromTop(b[i])
	}},
	"hanging_man": {0, func(b []domain.Bar, i int) bool {
		return hangsFromTop(b[i])
	}},
	"doji": {0, func(b []domain.Bar, i int) bool {
		r := span(b[i])
		return r > 0 && body(b[i]) < 0.05*r
	}},
	"shooting_star": {0, func(b []domain.Bar, i int) bool {
		c := b[i]
		r, up := span(c), upperShadow(c)
		return body(c) < 0.3*r && up >= 2*body(c) && lowerShadow(c) < 0.1*r && up >= 0.6*r
	}},
	"harami_bull": {1, func(b []domain.Bar, i int) bool {
		prev, cur := b[i-1], b[i]
		return bearish(prev) && bullish(cur) && body(prev) > 0.3*span(prev) && body(cur) < body(prev) &&
			cur.Open > prev.Close && cur.Close < prev.Open
	}},
	"harami_bear": {1, func(b []domain.Bar, i int) bool {
		prev, cur := b[i-1], b[i]
		return bullish(prev) && bearish(cur) && body(prev) > 0.3*span(prev) && body(cur) < body(prev) &&
			cur.Open < prev.Close && cur.Close > prev.Open
	}},
	"dark_cloud": {1, func(b []domain.Bar, i int) bool {
		prev, cur := b[i-1], b[i]
		return bullish(prev) && bearish(cur) && cur.Open > prev.High && cur.Close < (prev.Open+prev.Close)/2
	}},
	"piercing": {1, func(b []domain.Bar, i int) bool {
		prev, cur := b[i-1], b[i]
		return bearish(prev) && bullish(cur) && cur.Open < prev.Low && cur.Close > (prev.Open+prev.Close)/2
	}},
	"three_white_soldiers": {2, func(b []domain.Bar, i int) bool {
		for k := i - 2; k <= i; k++ {
			if !bullish(b[k]) || !solid(b[k]) {
				return false
			}
			if k > i-2 && (b[k].Open <= b[k-1].Open || b[k].Open >= b[k-1].Close || b[k].Close <= b[k-1].Close) {
				return false
			}
		}
		return true
	}},
	"three_black_crows": {2, func(b []domain.Bar, i int) bool {
		for k := i - 2; k <= i; k++ {
			if !bearish(b[k]) || !solid(b[k]) {
				return false
			}
			if k > i-2 && (b[k].Open >= b[k-1].Open || b[k].Open <= b[k-1].Close || b[k].Close >= b[k-1].Close) {
				return false
			}
		}
		return true
	}},
}

// Patterns returns the supported candlestick pattern names.
func Patterns() []string {
	names := make([]string, 0, len(patterns))
	for n := range patterns {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// IsPattern reports whether name is a period-free candlestick pattern.
func IsPattern(name string) bool {
	_, ok := patterns[name]
	return ok
}

func (p pattern) detect(series domain.PriceSeries) []float64 {
	out := make([]float64, series.Len())
	for i := p.lookback; i < len(out); i++ {
		if p.match(series.Bars, i) {
			out[i] = 1
		}
	}
	return out
}

// hangsFromTop is the hammer shape: a small body in the top of the range
// over a long lower shadow.
func hangsFromTop(c domain.Bar) bool {
	r, low := span(c), lowerShadow(c)
	return body(c) < 0.3*r && low >= 2*body(c) && upperShadow(c) < 0.1*r && low >= 0.6*r
}

// solid means the body covers more than half the range.
func solid(c domain.Bar) bool { return body(c) > 0.5*span(c) }

func bullish(c domain.Bar) bool { return c.Close > c.Open }
func bearish(c domain.Bar) bool { return c.Close < c.Open }
func body(c domain.Bar) float64 { return math.Abs(c.Close - c.Open) }
func span(c domain.Bar) float64 { return c.High - c.Low }
func upperShadow(c domain.Bar) float64 { return c.High - math.Max(c.Open, c.Close) }
func lowerShadow(c domain.Bar) float64 { return math.Min(c.Open, c.Close) - c.Low }
