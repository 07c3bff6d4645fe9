// Package signal collects provider outputs into one DecisionInput per cycle.
package signal

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"

	"numerusx/internal/errs"
	"numerusx/internal/types"
)

// SignalProvider produces one signal record for a pair.
type SignalProvider interface {
	Name() string
	Signal(ctx context.Context, pair types.Pair) (types.SignalRecord, error)
}

// MarketProvider produces the market snapshot. Its output is required.
type MarketProvider interface {
	Market(ctx context.Context, pair types.Pair) (types.MarketSnapshot, error)
}

// RiskProvider produces the risk constraints for a pair.
type RiskProvider interface {
	Risk(ctx context.Context, pair types.Pair) (types.RiskConstraints, error)
}

// SecurityProvider assesses the pair's base token.
type SecurityProvider interface {
	Security(ctx context.Context, pair types.Pair) (types.SecurityAssessment, error)
}

// PortfolioProvider returns the ledger-derived portfolio.
type PortfolioProvider interface {
	Portfolio(ctx context.Context) (types.PortfolioSnapshot, error)
}

const (
	sourceMarket    = "market"
	sourceRisk      = "risk"
	sourceSecurity  = "security"
	sourcePortfolio = "portfolio"

	// AlertSecurityUnavailable marks an assessment that could not be made.
	AlertSecurityUnavailable = "security_unavailable"
)

// Providers groups the aggregator's sources. Market is required.
type Providers struct {
	Market    MarketProvider
	Risk      RiskProvider
	Security  SecurityProvider
	Portfolio PortfolioProvider
	Signals   []SignalProvider
}

// Config tunes provider isolation.
type Config struct {
	// ProviderTimeout bounds each provider call.
	ProviderTimeout time.Duration
	// MaxConcurrency bounds concurrent provider calls per collection.
	MaxConcurrency int
}

// Aggregator is the SignalAggregator. It holds no per-cycle state and is safe
// for concurrent use by several pairs.
type Aggregator struct {
	p   Providers
	cfg Config
	now func() time.Time
}

// NewAggregator returns an Aggregator with defaults for zero config values.
// Signal provider names must be unique and must not shadow a built-in source,
// since coverage and failure tracking are keyed by name.
func NewAggregator(p Providers, cfg Config) (*Aggregator, error) {
	seen := map[string]bool{sourceMarket: true, sourceRisk: true, sourceSecurity: true, sourcePortfolio: true}
	for _, sp := range p.Signals {
		name := sp.Name()
		if name == "" {
			return nil, errs.New("signal.aggregator", errs.KindInvalid, "signal provider has no name")
		}
		if seen[name] {
			return nil, errs.New("signal.aggregator", errs.KindInvalid, fmt.Sprintf("duplicate signal provider name %q", name))
		}
		seen[name] = true
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 5 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 8
	}
	return &Aggregator{p: p, cfg: cfg, now: time.Now}, nil
}

// Total is the number of configured sources the coverage is measured against.
func (a *Aggregator) Total() int {
	n := len(a.p.Signals) + 1
	for _, set := range []bool{a.p.Risk != nil, a.p.Security != nil, a.p.Portfolio != nil} {
		if set {
			n++
		}
	}
	return n
}

type outcome struct {
	market    types.MarketSnapshot
	risk      types.RiskConstraints
	security  types.SecurityAssessment
	portfolio types.PortfolioSnapshot
	signals   []*types.SignalRecord
	failed    map[string]error
}

// Collect calls every provider concurrently, each under its own timeout.
// A failing, slow, panicking or invalid provider is omitted and listed in
// Coverage.Missing. Only a missing market snapshot fails the collection.
func (a *Aggregator) Collect(ctx context.Context, pair types.Pair) (types.DecisionInput, error) {
	const op = "signal.collect"
	if a.p.Market == nil {
		return types.DecisionInput{}, errs.New(op, errs.KindInvalid, "no market provider configured")
	}

	out := outcome{
		signals: make([]*types.SignalRecord, len(a.p.Signals)),
		failed:  make(map[string]error),
	}
	results := make(chan func(*outcome), a.Total())

	p := pool.New().WithMaxGoroutines(a.cfg.MaxConcurrency)
	run := func(name string, fn func(ctx context.Context) (func(*outcome), error)) {
		p.Go(func() {
			apply, err := a.isolate(ctx, name, fn)
			if err != nil {
				results <- func(o *outcome) { o.failed[name] = err }
				return
			}
			results <- apply
		})
	}

	run(sourceMarket, func(ctx context.Context) (func(*outcome), error) {
		m, err := a.p.Market.Market(ctx, pair)
		if err == nil {
			err = types.ValidateMarket(m)
		}
		return func(o *outcome) { o.market = m }, err
	})
	if a.p.Risk != nil {
		run(sourceRisk, func(ctx context.Context) (func(*outcome), error) {
			r, err := a.p.Risk.Risk(ctx, pair)
			if err == nil {
				err = types.ValidateRisk(r)
			}
			return func(o *outcome) { o.risk = r }, err
		})
	}
	if a.p.Security != nil {
		run(sourceSecurity, func(ctx context.Context) (func(*outcome), error) {
			s, err := a.p.Security.Security(ctx, pair)
			if err == nil && (math.IsNaN(s.Score) || s.Score < 0 || s.Score > 100) {
				err = fmt.Errorf("security score %v outside [0,100]", s.Score)
			}
			return func(o *outcome) { o.security = s }, err
		})
	}
	if a.p.Portfolio != nil {
		run(sourcePortfolio, func(ctx context.Context) (func(*outcome), error) {
			pf, err := a.p.Portfolio.Portfolio(ctx)
			return func(o *outcome) { o.portfolio = pf }, err
		})
	}
	for i, sp := range a.p.Signals {
		i, sp := i, sp
		run(sp.Name(), func(ctx context.Context) (func(*outcome), error) {
			rec, err := sp.Signal(ctx, pair)
			if rec.SourceName == "" {
				rec.SourceName = sp.Name()
			}
			if err == nil {
				err = types.ValidateSignal(rec)
			}
			return func(o *outcome) { o.signals[i] = &rec }, err
		})
	}

	p.Wait()
	close(results)
	for apply := range results {
		apply(&out)
	}

	return a.assemble(pair, out)
}

func (a *Aggregator) assemble(pair types.Pair, out outcome) (types.DecisionInput, error) {
	const op = "signal.collect"

	missing := make([]string, 0, len(out.failed))
	for name, err := range out.failed {
		missing = append(missing, name)
		log.WithFields(log.Fields{
			"pair":   pair.String(),
			"source": name,
			"kind":   errs.KindSignalUnavailable,
			"error":  err.Error(),
		}).Warn("Signal source omitted from snapshot")
	}
	sort.Strings(missing)

	if err, ok := out.failed[sourceMarket]; ok {
		return types.DecisionInput{}, errs.Wrap(op, errs.KindSignalUnavailable, fmt.Errorf("market snapshot: %w", err))
	}
	if _, ok := out.failed[sourceSecurity]; ok || a.p.Security == nil {
		out.security = types.SecurityAssessment{Alerts: []types.SecurityAlert{{
			Code:     AlertSecurityUnavailable,
			Message:  "security assessment unavailable",
			Blocking: true,
		}}}
	}
	if _, ok := out.failed[sourceRisk]; ok || a.p.Risk == nil {
		out.risk = types.RiskConstraints{}
	}
	if _, ok := out.failed[sourcePortfolio]; ok {
		out.portfolio = types.PortfolioSnapshot{}
	}

	signals := make([]types.SignalRecord, 0, len(out.signals))
	for i, rec := range out.signals {
		if _, failed := out.failed[a.p.Signals[i].Name()]; failed || rec == nil {
			continue
		}
		signals = append(signals, *rec)
	}

	total := a.Total()
	coverage := types.SourceCoverage{Available: total - len(missing), Total: total, Missing: missing}
	in, err := types.NewDecisionInput(a.now(), pair, out.market, signals, out.risk, out.security, out.portfolio, coverage)
	if err != nil {
		return types.DecisionInput{}, errs.Wrap(op, errs.KindInvalid, err)
	}
	return in, nil
}

// isolate runs fn under the provider timeout and turns panics into errors.
func (a *Aggregator) isolate(ctx context.Context, name string, fn func(ctx context.Context) (func(*outcome), error)) (apply func(*outcome), err error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.ProviderTimeout)
	defer cancel()

	type result struct {
		apply func(*outcome)
		err   error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("provider %s panicked: %v", name, r)}
			}
		}()
		apply, err := fn(ctx)
		done <- result{apply: apply, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, errs.Wrap("signal."+name, errs.KindSignalUnavailable, r.err)
		}
		return r.apply, nil
	case <-ctx.Done():
		return nil, errs.Wrap("signal."+name, errs.KindSignalUnavailable, fmt.Errorf("provider %s: %w", name, ctx.Err()))
	}
}
