// Package batch expands symbols × strategy configs × exit rules into
// simulation jobs, runs them with per-job isolation, and writes each result
// through to the results store.
package batch

import (
	"fmt"

	"backtestlab/internal/domain"
	"backtestlab/internal/results"
)

// Job is one simulation in a batch.
type Job struct {
	Index  int
	Symbol string
	Config domain.StrategyConfig
	Rule   domain.ExitRule
}

// Describe renders the job tuple for progress messages and logs.
func (j Job) Describe() string {
	return fmt.Sprintf("%s %s(%s) %s", j.Symbol, j.Config.Name, j.Config.Params, j.Rule.Name())
}

// Expand returns the jobs for symbols × configs × rules in that nesting
// order, symbols outermost. An empty rules list means the default rule.
func Expand(symbols []string, configs []domain.StrategyConfig, rules []domain.ExitRule) []Job {
	if len(rules) == 0 {
		rules = []domain.ExitRule{{Kind: domain.ExitSignal}}
	}
	jobs := make([]Job, 0, len(symbols)*len(configs)*len(rules))
	for _, sym := range symbols {
		for _, cfg := range configs {
			for _, rule := range rules {
				jobs = append(jobs, Job{Index: len(jobs), Symbol: sym, Config: cfg, Rule: rule})
			}
		}
	}
	return jobs
}

// ParseExitRules parses every name, failing on the first malformed one.
func ParseExitRules(names []string) ([]domain.ExitRule, error) {
	rules := make([]domain.ExitRule, 0, len(names))
	for _, n := range names {
		r, err := domain.ParseExitRule(n)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// Row is one successful simulation in a batch's results table.
type Row struct {
	Symbol     string         `json:"symbol"`
	Strategy   string         `json:"strategy"`
	Params     domain.Params  `json:"params"`
	ParamsHash string         `json:"params_hash"`
	ExitRule   string         `json:"exit_rule"`
	Metrics    domain.Metrics `json:"metrics"`
}

// Table is the results table of a batch, in job order.
type Table []Row

// JobError records a failed job.
type JobError struct {
	Symbol   string        `json:"symbol"`
	Strategy string        `json:"strategy"`
	Params   domain.Params `json:"params"`
	ExitRule string        `json:"exit_rule"`
	Message  string        `json:"message"`
}

func (e JobError) Error() string {
	return fmt.Sprintf("%s %s(%s) %s: %s", e.Symbol, e.Strategy, e.Params, e.ExitRule, e.Message)
}

// JobStats summarizes a batch run.
type JobStats struct {
	Total       int        `json:"total"`
	Completed   int        `json:"completed"`
	Failed      int        `json:"failed"`
	SuccessRate float64    `json:"success_rate"`
	Errors      []JobError `json:"errors"`
}

func (s *JobStats) succeed() {
	s.Completed++
	s.rate()
}

func (s *JobStats) fail(j Job, err error) {
	s.Failed++
	s.Errors = append(s.Errors, JobError{
		Symbol:   j.Symbol,
		Strategy: j.Config.Name,
		Params:   j.Config.Params,
		ExitRule: j.Rule.Name(),
		Message:  err.Error(),
	})
	s.rate()
}

func (s *JobStats) rate() {
	if s.Total > 0 {
		s.SuccessRate = float64(s.Completed) / float64(s.Total)
	}
}

func newRow(key results.Key, params domain.Params, m domain.Metrics) Row {
	return Row{
		Symbol:     key.Symbol,
		Strategy:   key.Strategy,
		Params:     params,
		ParamsHash: key.ParamsHash,
		ExitRule:   key.ExitRule,
		Metrics:    m,
	}
}
