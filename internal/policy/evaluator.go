package policy

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/CodeMonkeyCybersecurity/warden/internal/logger"
	"github.com/CodeMonkeyCybersecurity/warden/pkg/types"
)

type Evaluator struct {
	rules []*Rule
	log   *logger.Logger
	now   func() time.Time
}

type EvaluatorOption func(*Evaluator)

func WithClock(now func() time.Time) EvaluatorOption {
	return func(e *Evaluator) { e.now = now }
}

func NewEvaluator(rules []*Rule, log *logger.Logger, opts ...EvaluatorOption) *Evaluator {
	if log == nil {
		log = logger.NewNop()
	}
	e := &Evaluator{
		rules: append([]*Rule(nil), rules...),
		log:   log.WithComponent("policy"),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Evaluator) Rules() []*Rule {
	return append([]*Rule(nil), e.rules...)
}

// Now reads the evaluator's clock.
func (e *Evaluator) Now() time.Time {
	return e.now()
}

// EnabledRules counts the rules that take part in evaluation.
func (e *Evaluator) EnabledRules() int {
	n := 0
	for _, r := range e.rules {
		if r.Enabled {
			n++
		}
	}
	return n
}

// Evaluate checks one record against every enabled rule, in rule order.
func (e *Evaluator) Evaluate(rec *types.Record, index int) []types.PolicyViolation {
	in := newInput(rec)
	var out []types.PolicyViolation
	for _, rule := range e.rules {
		if !rule.Enabled {
			continue
		}
		evidence, ok := matchRule(rule, in)
		if !ok {
			continue
		}
		out = append(out, types.PolicyViolation{
			Rule:        rule.Name,
			Description: rule.Description,
			Endpoint:    rec.Endpoint,
			Method:      rec.Method,
			Severity:    rule.Severity,
			Action:      string(rule.Action),
			Tags:        append([]string(nil), rule.Tags...),
			Evidence:    evidence,
			RecordIndex: index,
			Timestamp:   e.now().UTC(),
		})
	}
	return out
}

// matchRule ANDs the conditions. A rule without conditions never matches.
func matchRule(rule *Rule, in *input) ([]types.ConditionEvidence, bool) {
	if len(rule.Conditions) == 0 {
		return nil, false
	}
	evidence := make([]types.ConditionEvidence, 0, len(rule.Conditions))
	for _, cond := range rule.Conditions {
		ev, ok := cond.Match(in)
		if !ok {
			return nil, false
		}
		evidence = append(evidence, ev)
	}
	return evidence, true
}

// EvaluateAll evaluates records in parallel. Violations are ordered by
// record index, then rule order, whatever order the workers finish in.
func (e *Evaluator) EvaluateAll(ctx context.Context, records []types.Record, workers int) ([]types.PolicyViolation, error) {
	ctx, span := e.log.StartSpan(ctx, "policy.EvaluateAll")
	defer span.End()

	if workers < 1 {
		workers = 1
	}
	perRecord := make([][]types.PolicyViolation, len(records))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range records {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			perRecord[i] = e.Evaluate(&records[i], i)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []types.PolicyViolation
	for _, vs := range perRecord {
		for i := range vs {
			e.log.LogViolation(ctx, &vs[i])
		}
		out = append(out, vs...)
	}

	e.log.Infow("Policy evaluation finished",
		"records", len(records),
		"rules", e.EnabledRules(),
		"violations", len(out),
	)
	return out, nil
}
