package dedupe

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadflow/internal/model"
)

// Decision classifies a scored pair against the thresholds.
type Decision string

const (
	DecisionAutoMerge     Decision = "auto_merge"
	DecisionAutoReject    Decision = "auto_reject"
	DecisionNeedsTieBreak Decision = "needs_tie_break"
)

// Verdict is an adjudicator's answer for an ambiguous pair.
type Verdict int

const (
	VerdictReject Verdict = iota
	VerdictMerge
)

// Adjudicator breaks ties for pairs scoring between the thresholds. It is
// consulted exactly once per ambiguous pair; its verdict is final.
type Adjudicator interface {
	Adjudicate(ctx context.Context, a, b *model.BusinessRecord) (Verdict, error)
}

// AdjudicatorFunc adapts a function to the Adjudicator interface.
type AdjudicatorFunc func(ctx context.Context, a, b *model.BusinessRecord) (Verdict, error)

func (f AdjudicatorFunc) Adjudicate(ctx context.Context, a, b *model.BusinessRecord) (Verdict, error) {
	return f(ctx, a, b)
}

// Preserver applies a merge mutation with snapshot, audit and conflict
// handling. The engine never writes records directly.
type Preserver interface {
	Merge(ctx context.Context, runID string, survivor, loser *model.BusinessRecord,
		apply func(survivor, loser *model.BusinessRecord) error) (*model.AuditRecord, error)
}

// Pair is one scored candidate pair.
type Pair struct {
	A        *model.BusinessRecord
	B        *model.BusinessRecord
	Score    float64
	Decision Decision
}

// Config holds the thresholds and component weights.
type Config struct {
	// AutoMergeThreshold and above merges without adjudication.
	AutoMergeThreshold float64 `yaml:"auto_merge_threshold" mapstructure:"auto_merge_threshold"`
	// AutoRejectThreshold and below rejects without adjudication.
	AutoRejectThreshold float64 `yaml:"auto_reject_threshold" mapstructure:"auto_reject_threshold"`
	Weights             Weights `yaml:"weights" mapstructure:"weights"`
}

// DefaultConfig returns the standard thresholds (0.85 / 0.30).
func DefaultConfig() Config {
	return Config{
		AutoMergeThreshold:  0.85,
		AutoRejectThreshold: 0.30,
		Weights:             DefaultWeights(),
	}
}

// Result summarizes one dedupe pass.
type Result struct {
	Pairs  []Pair
	Merges []model.MergeDecision
}

// Engine finds and resolves duplicate records. Candidate pairs come from
// blocking on normalized phone and name prefix; each pair is scored once
// and dispatched by threshold.
type Engine struct {
	cfg       Config
	judge     Adjudicator
	preserver Preserver
}

// NewEngine creates an Engine. judge may be nil, in which case ambiguous
// pairs are left unmerged.
func NewEngine(cfg Config, judge Adjudicator, preserver Preserver) *Engine {
	if cfg.AutoMergeThreshold == 0 {
		cfg = DefaultConfig()
	}
	return &Engine{cfg: cfg, judge: judge, preserver: preserver}
}

// Classify scores a pair and maps it to a decision.
func (e *Engine) Classify(a, b *model.BusinessRecord) (float64, Decision) {
	score := Score(a, b, e.cfg.Weights)
	switch {
	case score >= e.cfg.AutoMergeThreshold:
		return score, DecisionAutoMerge
	case score <= e.cfg.AutoRejectThreshold:
		return score, DecisionAutoReject
	default:
		return score, DecisionNeedsTieBreak
	}
}

// Run deduplicates a full record set: generates candidate pairs by
// blocking, scores each, merges or escalates, and returns every decision
// taken. Records merged earlier in the pass are skipped in later pairs so
// a record never loses twice.
func (e *Engine) Run(ctx context.Context, runID string, records []*model.BusinessRecord) (*Result, error) {
	res := &Result{}
	for _, p := range GeneratePairs(records) {
		if p.A.Merged() || p.B.Merged() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		pair, md, err := e.resolvePair(ctx, runID, p.A, p.B)
		if err != nil {
			return res, err
		}
		res.Pairs = append(res.Pairs, pair)
		if md != nil {
			res.Merges = append(res.Merges, *md)
		}
	}
	return res, nil
}

// Resolve matches one record against a pool of existing records,
// merging into the best match when one clears the process. Used by the
// per-unit dedupe stage; the full-set pass uses Run.
func (e *Engine) Resolve(ctx context.Context, runID string, rec *model.BusinessRecord, pool []*model.BusinessRecord) (*Result, error) {
	res := &Result{}
	keys := make(map[string]bool)
	for _, k := range blockKeys(rec) {
		keys[k] = true
	}

	for _, cand := range pool {
		if cand.ID == rec.ID || cand.Merged() || rec.Merged() {
			continue
		}
		matched := false
		for _, k := range blockKeys(cand) {
			if keys[k] {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}

		pair, md, err := e.resolvePair(ctx, runID, rec, cand)
		if err != nil {
			return res, err
		}
		res.Pairs = append(res.Pairs, pair)
		if md != nil {
			res.Merges = append(res.Merges, *md)
		}
	}
	return res, nil
}

func (e *Engine) resolvePair(ctx context.Context, runID string, a, b *model.BusinessRecord) (Pair, *model.MergeDecision, error) {
	score, decision := e.Classify(a, b)
	pair := Pair{A: a, B: b, Score: score, Decision: decision}

	switch decision {
	case DecisionAutoReject:
		return pair, nil, nil

	case DecisionNeedsTieBreak:
		if e.judge == nil {
			zap.L().Debug("dedupe: no adjudicator, leaving pair unmerged",
				zap.String("a", a.ID), zap.String("b", b.ID),
				zap.Float64("score", score),
			)
			return pair, nil, nil
		}
		verdict, err := e.judge.Adjudicate(ctx, a, b)
		if err != nil {
			return pair, nil, eris.Wrapf(err, "dedupe: adjudicate pair %s/%s", a.ID, b.ID)
		}
		if verdict != VerdictMerge {
			return pair, nil, nil
		}

	case DecisionAutoMerge:
	}

	md, err := e.merge(ctx, runID, pair)
	if err != nil {
		return pair, nil, err
	}
	return pair, md, nil
}

// blockKeys returns the candidate-grouping keys for a record: normalized
// phone and 4-character name prefix. Records sharing no key are never
// compared.
func blockKeys(r *model.BusinessRecord) []string {
	var keys []string
	if p := NormalizePhone(r.Phone); p != "" {
		keys = append(keys, "p:"+p)
	}
	if n := namePrefixKey(NormalizeName(r.Name)); n != "" {
		keys = append(keys, "n:"+n)
	}
	return keys
}

// GeneratePairs groups records by blocking key and emits each unique
// in-block pair once. Already-merged records are excluded.
func GeneratePairs(records []*model.BusinessRecord) []Pair {
	blocks := make(map[string][]*model.BusinessRecord)
	for _, r := range records {
		if r.Merged() {
			continue
		}
		for _, k := range blockKeys(r) {
			blocks[k] = append(blocks[k], r)
		}
	}

	type pairKey struct{ lo, hi string }
	seen := make(map[pairKey]bool)
	var pairs []Pair

	keys := make([]string, 0, len(blocks))
	for k := range blocks {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		group := blocks[k]
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				a, b := group[i], group[j]
				pk := pairKey{lo: a.ID, hi: b.ID}
				if pk.lo > pk.hi {
					pk.lo, pk.hi = pk.hi, pk.lo
				}
				if seen[pk] {
					continue
				}
				seen[pk] = true
				pairs = append(pairs, Pair{A: a, B: b})
			}
		}
	}
	return pairs
}
