package cost

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Rate prices one operation of one service. PerCall is the flat estimate
// used by the admission check; PerMTok applies when the operation is
// token-metered and actual usage is known.
type Rate struct {
	PerCall float64 `yaml:"per_call" mapstructure:"per_call"`
	PerMTok float64 `yaml:"per_mtok" mapstructure:"per_mtok"`
}

// Rates maps service -> operation -> rate. The "_default" operation key
// prices any operation not listed explicitly.
type Rates map[string]map[string]Rate

// DefaultOperation is the fallback rate key within a service.
const DefaultOperation = "_default"

// Estimator implements the cost-estimate provider consumed by the budget
// gate: estimateCost(service, operation) -> amount.
type Estimator struct {
	rates Rates
}

// NewEstimator creates an Estimator over the given rate table.
func NewEstimator(rates Rates) *Estimator {
	return &Estimator{rates: rates}
}

// Estimate returns the flat per-call estimate for a service operation.
// Unknown services and operations estimate to 0 (free).
func (e *Estimator) Estimate(service, operation string) float64 {
	ops, ok := e.rates[service]
	if !ok {
		return 0
	}
	if r, ok := ops[operation]; ok {
		return r.PerCall
	}
	if r, ok := ops[DefaultOperation]; ok {
		return r.PerCall
	}
	return 0
}

// TokenCost prices actual token usage for a token-metered operation.
func (e *Estimator) TokenCost(service, operation string, tokens int) float64 {
	ops, ok := e.rates[service]
	if !ok {
		return 0
	}
	r, ok := ops[operation]
	if !ok {
		r = ops[DefaultOperation]
	}
	return (float64(tokens) / 1e6) * r.PerMTok
}

// LoadRates reads a rate table from a YAML file. Entries overlay the
// defaults, so a partial file only overrides what it names.
func LoadRates(path string) (Rates, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "cost: read rates %s", path)
	}

	var loaded Rates
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return nil, eris.Wrapf(err, "cost: parse rates %s", path)
	}

	rates := DefaultRates()
	for service, ops := range loaded {
		if rates[service] == nil {
			rates[service] = make(map[string]Rate, len(ops))
		}
		for op, r := range ops {
			rates[service][op] = r
		}
	}
	return rates, nil
}

// DefaultRates returns the default pricing for the built-in stage services.
func DefaultRates() Rates {
	return Rates{
		"enrich": {
			"enrich":         {PerCall: 0.012},
			DefaultOperation: {PerCall: 0.012, PerMTok: 0.02},
		},
		"score": {
			"score":          {PerCall: 0.004},
			DefaultOperation: {PerCall: 0.004, PerMTok: 0.80},
		},
		"personalize": {
			"personalize":    {PerCall: 0.018},
			DefaultOperation: {PerCall: 0.018, PerMTok: 3.00},
		},
		"adjudicate": {
			DefaultOperation: {PerCall: 0.006, PerMTok: 0.80},
		},
	}
}
