package sim

import "backtestlab/internal/domain"

// position is the state of an open trade.
type position struct {
	dir           int8
	entryIdx      int
	entryPrice    float64
	qty           float64
	equityAtEntry float64
	extreme       float64 // most favorable close since entry
	mae           float64
	mfe           float64
}

// mark updates excursions and the favorable extreme with the bar's close and
// returns the unrealized return.
func (p *position) mark(price float64) float64 {
	ret := float64(p.dir) * (price/p.entryPrice - 1)
	p.mae = min(p.mae, ret)
	p.mfe = max(p.mfe, ret)
	if (p.dir > 0 && price > p.extreme) || (p.dir < 0 && price < p.extreme) {
		p.extreme = price
	}
	return ret
}

// stopped reports whether rule closes p at price, given the unrealized
// return ret. Signal exits never fire here.
func stopped(rule domain.ExitRule, p *position, price, ret float64) bool {
	switch rule.Kind {
	case domain.ExitTrailingStop:
		if p.dir > 0 {
			return price <= p.extreme*(1-rule.Threshold)
		}
		return price >= p.extreme*(1+rule.Threshold)
	case domain.ExitProfitTarget:
		return ret >= rule.Threshold
	case domain.ExitFixedStop:
		return ret <= -rule.Threshold
	}
	return false
}
