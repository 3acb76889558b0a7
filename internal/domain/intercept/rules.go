package intercept

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/KirovAir/Titanium-Web-Proxy/internal/domain/session"
	"github.com/KirovAir/Titanium-Web-Proxy/pkg/httpmsg"
)

// Action is what a matching rule does to the exchange.
type Action string

const (
	// ActionAllow stops rule processing and lets the exchange proceed.
	ActionAllow Action = "allow"
	// ActionBlock short-circuits with a 403 and cancels forwarding.
	ActionBlock Action = "block"
	// ActionRedirect short-circuits with a 302 to the rule's value.
	ActionRedirect Action = "redirect"
	// ActionMark tags the session and keeps processing.
	ActionMark Action = "mark"
)

// Phase selects which half of the exchange a rule runs against.
type Phase string

const (
	// PhaseRequest rules run before the request is forwarded.
	PhaseRequest Phase = "request"
	// PhaseResponse rules run after the origin response is installed.
	PhaseResponse Phase = "response"
)

// Rule is one declarative interception rule. When is a condition
// expression over the exchange context; empty means the rule always
// matches. Value carries the action argument: the redirect target, the
// mark tag, or an optional block message.
type Rule struct {
	Name   string `yaml:"name"`
	Phase  Phase  `yaml:"phase,omitempty"`
	When   string `yaml:"when,omitempty"`
	Action Action `yaml:"action"`
	Value  string `yaml:"value,omitempty"`
}

type compiledRule struct {
	Rule

	cond Condition
}

// RuleEngine evaluates rules against sessions in order. It implements
// both handler interfaces so it can sit in a chain alongside custom
// handlers.
type RuleEngine struct {
	rules      []compiledRule
	logger     *slog.Logger
	failClosed bool
}

// RuleEngineOption configures a rule engine.
type RuleEngineOption func(*RuleEngine)

// WithLogger sets the engine's logger.
func WithLogger(logger *slog.Logger) RuleEngineOption {
	return func(e *RuleEngine) {
		e.logger = logger
	}
}

// WithFailClosed makes condition evaluation errors abort the exchange.
// The default logs the error and treats the rule as not matched.
func WithFailClosed(on bool) RuleEngineOption {
	return func(e *RuleEngine) {
		e.failClosed = on
	}
}

// NewRuleEngine validates rules and compiles their conditions through
// eval. Rule order is preserved: first match decides for allow, block and
// redirect, while mark falls through to later rules.
func NewRuleEngine(rules []Rule, eval ConditionEvaluator, opts ...RuleEngineOption) (*RuleEngine, error) {
	e := &RuleEngine{
		rules:  make([]compiledRule, 0, len(rules)),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	for i, r := range rules {
		cr, err := compileRule(r, eval)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i+1, err)
		}
		e.rules = append(e.rules, cr)
	}
	return e, nil
}

func compileRule(r Rule, eval ConditionEvaluator) (compiledRule, error) {
	if r.Name == "" {
		return compiledRule{}, fmt.Errorf("%w: missing name", ErrInvalidRule)
	}
	if r.Phase == "" {
		r.Phase = PhaseRequest
	}
	if r.Phase != PhaseRequest && r.Phase != PhaseResponse {
		return compiledRule{}, fmt.Errorf("%w: %q: unknown phase %q", ErrInvalidRule, r.Name, r.Phase)
	}
	switch r.Action {
	case ActionAllow:
	case ActionBlock, ActionRedirect:
		if r.Phase == PhaseResponse {
			return compiledRule{}, fmt.Errorf("%w: %q: action %q is request-phase only", ErrInvalidRule, r.Name, r.Action)
		}
		if r.Action == ActionRedirect && r.Value == "" {
			return compiledRule{}, fmt.Errorf("%w: %q: redirect requires a value", ErrInvalidRule, r.Name)
		}
	case ActionMark:
		if r.Value == "" {
			return compiledRule{}, fmt.Errorf("%w: %q: mark requires a value", ErrInvalidRule, r.Name)
		}
	default:
		return compiledRule{}, fmt.Errorf("%w: %q: unknown action %q", ErrInvalidRule, r.Name, r.Action)
	}
	cr := compiledRule{Rule: r}
	if r.When != "" {
		if eval == nil {
			return compiledRule{}, fmt.Errorf("%w: %q: no condition evaluator configured", ErrInvalidRule, r.Name)
		}
		cond, err := eval.Compile(r.When)
		if err != nil {
			return compiledRule{}, fmt.Errorf("%q: compile condition: %w", r.Name, err)
		}
		cr.cond = cond
	}
	return cr, nil
}

// Rules returns the validated rules in evaluation order.
func (e *RuleEngine) Rules() []Rule {
	out := make([]Rule, len(e.rules))
	for i := range e.rules {
		out[i] = e.rules[i].Rule
	}
	return out
}

// HandleRequest runs the request-phase rules.
func (e *RuleEngine) HandleRequest(ctx context.Context, s *session.Session) error {
	return e.run(ctx, s, PhaseRequest)
}

// HandleResponse runs the response-phase rules.
func (e *RuleEngine) HandleResponse(ctx context.Context, s *session.Session) error {
	return e.run(ctx, s, PhaseResponse)
}

func (e *RuleEngine) run(ctx context.Context, s *session.Session, phase Phase) error {
	ex := ExchangeContextFor(s)
	for i := range e.rules {
		r := &e.rules[i]
		if r.Phase != phase {
			continue
		}
		matched, err := e.match(ctx, r, ex)
		if err != nil {
			if e.failClosed {
				return &ConditionError{Rule: r.Name, Err: err}
			}
			e.logger.Warn("rule condition failed, skipping rule",
				"rule", r.Name,
				"session_id", s.ID,
				"error", err)
			continue
		}
		if !matched {
			continue
		}
		done, err := e.apply(r, s, ex)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	return nil
}

func (e *RuleEngine) match(ctx context.Context, r *compiledRule, ex ExchangeContext) (bool, error) {
	if r.cond == nil {
		return true, nil
	}
	return r.cond.Eval(ctx, ex)
}

// apply executes a matched rule's action. It reports whether rule
// processing should stop for this phase.
func (e *RuleEngine) apply(r *compiledRule, s *session.Session, ex ExchangeContext) (bool, error) {
	switch r.Action {
	case ActionAllow:
		e.logger.Debug("rule allowed exchange",
			"rule", r.Name,
			"session_id", s.ID,
			"host", ex.Host)
		return true, nil

	case ActionBlock:
		e.logger.Info("rule blocked exchange",
			"rule", r.Name,
			"session_id", s.ID,
			"method", ex.Method,
			"host", ex.Host)
		if err := s.Respond(blockResponse(r.Value)); err != nil {
			return false, err
		}
		s.Request().SetCancelRequest(true)
		s.AddTag("blocked:" + r.Name)
		return true, nil

	case ActionRedirect:
		e.logger.Info("rule redirected exchange",
			"rule", r.Name,
			"session_id", s.ID,
			"host", ex.Host,
			"location", r.Value)
		if err := s.Redirect(r.Value); err != nil {
			return false, err
		}
		s.AddTag("redirected:" + r.Name)
		return true, nil

	case ActionMark:
		s.AddTag(r.Value)
		return false, nil
	}
	return false, nil
}

func blockResponse(message string) *httpmsg.Response {
	if message == "" {
		message = "request blocked by proxy rule"
	}
	return httpmsg.NewTextResponse(403, "Forbidden", message)
}

var (
	_ RequestHandler  = (*RuleEngine)(nil)
	_ ResponseHandler = (*RuleEngine)(nil)
)
