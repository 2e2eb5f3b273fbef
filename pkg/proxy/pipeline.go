package proxy

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chaostrace/sandbox/pkg/analyzer"
	"github.com/chaostrace/sandbox/pkg/chaos"
	"github.com/chaostrace/sandbox/pkg/events"
	"github.com/chaostrace/sandbox/pkg/policy"
)

// Pipeline wires the analyzer, risk scorer, and policy engine together and
// produces the SQLEvent + forward/block decision for one observed
// statement, in the exact order spec'd for the proxy's client→server task.
// One Pipeline belongs to exactly one Connection, so inTxn needs no locking
// beyond atomicity: the client relay is single-goroutine per connection.
type Pipeline struct {
	Scorer *analyzer.Scorer
	Policy *policy.Engine
	Log    zerolog.Logger

	inTxn atomic.Bool
}

// Decision is the pipeline's verdict for a single statement.
type Decision struct {
	Event   *events.SQLEvent
	Blocked bool
	Reason  string
}

// Evaluate runs sql through analyze -> score -> policy, in that fixed
// order, and builds the resulting SQLEvent. A policy-evaluator panic is not
// recovered here deliberately: EvaluateSafe wraps this call so that any
// panic degrades to fail-open, consistent with the documented Open Question
// resolution (forward the query, emit an error-marked event) rather than
// silently swallowing it deeper in the stack.
func (p *Pipeline) Evaluate(runID uuid.UUID, sql string) Decision {
	start := time.Now()

	parsed := analyzer.Parse(sql)
	risk := p.Scorer.Assess(parsed)
	result := p.Policy.Evaluate(sql, parsed, risk.RowsEstimated, p.inTxn.Load())
	p.updateTxnState(parsed.SQLType)

	action := result.Action()
	ev := events.NewSQLEvent(runID, action)
	ev.Statement = sql
	ev.StatementHash = parsed.StatementHash
	ev.SQLType = parsed.SQLType
	ev.Tables = parsed.Tables
	ev.HasWhereClause = parsed.HasWhereClause
	ev.RiskLevel = risk.RiskLevel
	ev.RiskFactors = risk.RiskFactors
	ev.RowsEstimated = risk.RowsEstimated
	if len(result.MatchedRules) > 0 {
		rule := result.MatchedRules[0]
		ev.PolicyRuleMatched = &rule
	}
	if len(result.ViolationReasons) > 0 {
		reason := result.ViolationReasons[0]
		ev.ViolationReason = &reason
	}
	ev.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0

	reason := ""
	if len(result.ViolationReasons) > 0 {
		reason = result.ViolationReasons[0]
	}

	return Decision{Event: ev, Blocked: action == events.ActionBlock, Reason: reason}
}

// EvaluateSafe wraps Evaluate and degrades to fail-open on panic: the
// statement is forwarded and an sql_error-flavored event is emitted instead
// of crashing the connection.
func (p *Pipeline) EvaluateSafe(runID uuid.UUID, sql string) (decision Decision) {
	defer func() {
		if r := recover(); r != nil {
			p.Log.Error().Interface("panic", r).Str("sql_preview", preview(sql)).
				Msg("proxy: policy evaluator panicked, failing open")
			ev := events.NewSQLEvent(runID, events.ActionAllow)
			ev.EventType = events.TypeSQLError
			ev.Statement = sql
			errMsg := "policy evaluator error"
			ev.ExecutionError = &errMsg
			decision = Decision{Event: ev, Blocked: false}
		}
	}()
	return p.Evaluate(runID, sql)
}

// updateTxnState tracks whether the connection sits inside an explicit
// transaction block so RequireTransaction can be enforced going forward.
func (p *Pipeline) updateTxnState(sqlType events.SQLType) {
	switch sqlType {
	case events.SQLBegin:
		p.inTxn.Store(true)
	case events.SQLCommit, events.SQLRollback:
		p.inTxn.Store(false)
	}
}

// CurrentLatency returns the chaos-injected latency the caller should sleep
// for before forwarding an allowed query, or 0.
func CurrentLatency(hooks *chaos.Hooks) time.Duration {
	if hooks == nil {
		return 0
	}
	return hooks.CurrentLatency()
}

func preview(sql string) string {
	if len(sql) <= 100 {
		return sql
	}
	return sql[:100]
}
