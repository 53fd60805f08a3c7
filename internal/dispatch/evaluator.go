package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/lqdb/lqdb/internal/model"
)

// Identity is the creator-identity pair an Evaluator evaluates against,
// replayed from the live query's captured Session/Auth rather than the
// mutating transaction's own identity (spec.md 4.5b).
type Identity struct {
	Session model.Session
	Auth    model.Auth
}

// Evaluator abstracts the "reentrant compute contract" spec.md leaves out
// of scope: evaluating a WHERE/permission expression, and projecting a
// result, against an arbitrary document under a given identity. This
// module never parses SurrealQL; it calls out to whatever query engine is
// wired in.
type Evaluator interface {
	// Eval evaluates expr as a boolean predicate over doc under identity.
	// recursion reports whether permission checks should themselves be
	// enforced while evaluating expr (spec.md 4.5e disables this for
	// Specific(expr) permission checks to avoid infinite recursion).
	Eval(ctx context.Context, identity Identity, expr string, doc map[string]any, recursion bool) (bool, error)
	// Pluck projects expr (a field list, or "*") against doc under
	// identity, producing the value that becomes NotificationRecord.Result.
	Pluck(ctx context.Context, identity Identity, expr string, doc map[string]any) (any, error)
}

// TablePermissions resolves the SELECT permission clause for a table,
// the second half of the "reentrant compute contract": None/Full/Specific.
type TablePermissions interface {
	SelectPermission(ctx context.Context, ns, db, tb string) (PermissionKind, string, error)
}

type PermissionKind int

const (
	// PermissionNone means SELECT is denied outright: skip the LQ.
	PermissionNone PermissionKind = iota
	// PermissionFull means SELECT is unconditionally allowed.
	PermissionFull
	// PermissionSpecific means SELECT is allowed iff the accompanying
	// expression evaluates truthy (with recursion disabled).
	PermissionSpecific
)

// SimpleEvaluator is a small, dependency-free Evaluator sufficient to
// drive the dispatcher end to end without a real SQL engine, per
// SPEC_FULL.md 4.5: it understands "*", a single "field OP literal"
// comparison, and "$auth.role = literal" (no other $auth field).
type SimpleEvaluator struct{}

func (SimpleEvaluator) Eval(_ context.Context, identity Identity, expr string, doc map[string]any, _ bool) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}

	op, opLen := "", 0
	for _, candidate := range []string{">=", "<=", "!=", "=", ">", "<"} {
		if idx := strings.Index(expr, candidate); idx >= 0 {
			op, opLen = candidate, len(candidate)
			_ = idx
			break
		}
	}
	idx := strings.Index(expr, op)
	if op == "" || idx < 0 {
		return false, fmt.Errorf("dispatch: simple evaluator cannot parse expression %q", expr)
	}
	lhs := strings.TrimSpace(expr[:idx])
	rhs := strings.TrimSpace(expr[idx+opLen:])

	lhsVal, err := resolveOperand(lhs, identity, doc)
	if err != nil {
		return false, err
	}
	rhsVal, err := resolveOperand(rhs, identity, doc)
	if err != nil {
		return false, err
	}

	return compare(lhsVal, op, rhsVal)
}

func (SimpleEvaluator) Pluck(_ context.Context, _ Identity, expr string, doc map[string]any) (any, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" || expr == "*" {
		return doc, nil
	}
	out := make(map[string]any, len(doc))
	for _, field := range strings.Split(expr, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		out[field] = doc[field]
	}
	return out, nil
}

func resolveOperand(token string, identity Identity, doc map[string]any) (any, error) {
	switch {
	case token == "$auth.role":
		return identity.Auth.Role, nil
	case strings.HasPrefix(token, "$auth."):
		return nil, fmt.Errorf("dispatch: simple evaluator only knows $auth.role, got %q", token)
	case strings.HasPrefix(token, `"`) && strings.HasSuffix(token, `"`):
		return strings.Trim(token, `"`), nil
	case strings.HasPrefix(token, `'`) && strings.HasSuffix(token, `'`):
		return strings.Trim(token, `'`), nil
	default:
		if n, err := strconv.ParseFloat(token, 64); err == nil {
			return n, nil
		}
		if v, ok := doc[token]; ok {
			return v, nil
		}
		return nil, fmt.Errorf("dispatch: unresolved field %q", token)
	}
}

func compare(lhs any, op string, rhs any) (bool, error) {
	lf, lok := toFloat(lhs)
	rf, rok := toFloat(rhs)
	if lok && rok {
		switch op {
		case "=":
			return lf == rf, nil
		case "!=":
			return lf != rf, nil
		case ">":
			return lf > rf, nil
		case ">=":
			return lf >= rf, nil
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		}
	}
	ls, lok := lhs.(string)
	rs, rok := rhs.(string)
	if lok && rok {
		switch op {
		case "=":
			return ls == rs, nil
		case "!=":
			return ls != rs, nil
		}
	}
	return false, fmt.Errorf("dispatch: cannot compare %v %s %v", lhs, op, rhs)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
