package authority

import (
	"errors"
	"strings"

	"github.com/Knetic/govaluate"
)

// AdmissionPolicy decides whether an identity may acquire or renew a
// lease. The expression is evaluated against the request parameters and
// must yield a boolean; an empty expression admits everything.
type AdmissionPolicy struct {
	expr *govaluate.EvaluableExpression
}

// NewAdmissionPolicy compiles a policy expression, e.g.
// `identity_id =~ "^aid_" && sequence < 10000`.
func NewAdmissionPolicy(expression string) (*AdmissionPolicy, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return &AdmissionPolicy{}, nil
	}
	expr, err := govaluate.NewEvaluableExpression(expression)
	if err != nil {
		return nil, err
	}
	return &AdmissionPolicy{expr: expr}, nil
}

// Admit evaluates the policy for one acquisition or renewal.
func (p *AdmissionPolicy) Admit(identityID, sessionID string, renewal bool, sequence uint64) (bool, error) {
	if p == nil || p.expr == nil {
		return true, nil
	}
	result, err := p.expr.Evaluate(map[string]interface{}{
		"identity_id": identityID,
		"session_id":  sessionID,
		"renewal":     renewal,
		"sequence":    float64(sequence),
	})
	if err != nil {
		return false, err
	}
	admitted, ok := result.(bool)
	if !ok {
		return false, errors.New("policy did not evaluate to boolean")
	}
	return admitted, nil
}
