package policy

import (
	"errors"
	"fmt"
	"regexp"
)

// Condition is a compiled `when` expression.
type Condition interface {
	Match(toolName string, input map[string]any) (bool, error)
}

// ConditionCompiler turns `when` expressions into Conditions.
type ConditionCompiler interface {
	CompileCondition(expr string) (Condition, error)
}

// ErrConditionsUnsupported is returned when a rule carries a `when`
// expression but no ConditionCompiler was supplied.
var ErrConditionsUnsupported = errors.New("conditions are not supported by this evaluator")

type compiledRule struct {
	rule    Rule
	pattern *regexp.Regexp
	cond    Condition
}

// Engine is a validated policy ready for evaluation. It is immutable and
// safe for concurrent use.
type Engine struct {
	config Config
	rules  []compiledRule
}

// Compile validates cfg and precompiles every pattern as ^(?:pattern)$.
// cc may be nil when no rule uses `when`.
func Compile(cfg Config, cc ConditionCompiler) (*Engine, error) {
	if cfg.DefaultAction == "" {
		cfg.DefaultAction = ActionAllow
	}
	if !cfg.DefaultAction.Valid() {
		return nil, &ValidationError{Index: -1, Field: "defaultAction", Err: fmt.Errorf("%w: %q", ErrUnknownAction, cfg.DefaultAction)}
	}
	if cfg.Rules == nil {
		cfg.Rules = []Rule{}
	}

	e := &Engine{config: cfg, rules: make([]compiledRule, 0, len(cfg.Rules))}
	for i, r := range cfg.Rules {
		if !r.Action.Valid() {
			return nil, &ValidationError{Index: i, Field: "action", Err: fmt.Errorf("%w: %q", ErrUnknownAction, r.Action)}
		}
		if r.Match.Tool == "" {
			return nil, &ValidationError{Index: i, Field: "match.tool", Err: errors.New("pattern is required")}
		}
		re, err := regexp.Compile("^(?:" + r.Match.Tool + ")$")
		if err != nil {
			return nil, &ValidationError{Index: i, Field: "match.tool", Err: err}
		}
		cr := compiledRule{rule: r, pattern: re}
		if r.Match.When != "" {
			if cc == nil {
				return nil, &ValidationError{Index: i, Field: "match.when", Err: ErrConditionsUnsupported}
			}
			cond, err := cc.CompileCondition(r.Match.When)
			if err != nil {
				return nil, &ValidationError{Index: i, Field: "match.when", Err: err}
			}
			cr.cond = cond
		}
		e.rules = append(e.rules, cr)
	}
	return e, nil
}

// Config returns the policy the engine was compiled from, with defaults
// filled in.
func (e *Engine) Config() Config {
	return e.config
}

// Evaluate returns the action of the first rule matching toolName, or the
// default action when none does.
//
// A `when` condition that fails to evaluate counts as a match for rules
// whose action is not allow, so a broken condition never widens access.
func (e *Engine) Evaluate(toolName string, input map[string]any) Result {
	for i := range e.rules {
		cr := &e.rules[i]
		if !cr.pattern.MatchString(toolName) {
			continue
		}
		if cr.cond != nil {
			ok, err := cr.cond.Match(toolName, input)
			if err != nil {
				ok = cr.rule.Action != ActionAllow
			}
			if !ok {
				continue
			}
		}
		rule := cr.rule
		return Result{
			Action: rule.Action,
			Reason: fmt.Sprintf("Policy rule: \"%s\" → %s", rule.Match.Tool, rule.Action),
			Rule:   &rule,
		}
	}
	return Result{
		Action: e.config.DefaultAction,
		Reason: fmt.Sprintf("Default policy action: %s", e.config.DefaultAction),
	}
}

// Evaluate compiles cfg and evaluates a single call against it.
func Evaluate(toolName string, input map[string]any, cfg Config) (Result, error) {
	e, err := Compile(cfg, nil)
	if err != nil {
		return Result{}, err
	}
	return e.Evaluate(toolName, input), nil
}
