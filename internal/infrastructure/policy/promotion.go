// Package policy evaluates the production promotion gate with an embedded
// Rego module.
package policy

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/erp/dte/internal/domain/compliance"
	"github.com/open-policy-agent/opa/rego"
)

const promotionQuery = "data.dte.promotion.deny"

//go:embed promotion.rego
var promotionModule string

// PromotionGate lists the conditions blocking a switch to production
type PromotionGate struct {
	query rego.PreparedEvalQuery
}

// NewPromotionGate compiles the embedded promotion policy
func NewPromotionGate(ctx context.Context) (*PromotionGate, error) {
	return newPromotionGate(ctx, promotionModule)
}

func newPromotionGate(ctx context.Context, module string) (*PromotionGate, error) {
	prepared, err := rego.New(
		rego.Query(promotionQuery),
		rego.Module("promotion.rego", module),
		rego.StrictBuiltinErrors(true),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile promotion policy: %w", err)
	}
	return &PromotionGate{query: prepared}, nil
}

// Evaluate returns every violated condition, sorted by code. An empty result
// means the promotion may proceed.
func (g *PromotionGate) Evaluate(ctx context.Context, in compliance.PromotionInput) ([]compliance.GateViolation, error) {
	if g == nil {
		return nil, errors.New("promotion gate is nil")
	}
	results, err := g.query.Eval(ctx, rego.EvalInput(policyInput(in)))
	if err != nil {
		return nil, fmt.Errorf("evaluate promotion policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, errors.New("empty promotion policy result")
	}

	payload, err := json.Marshal(results[0].Expressions[0].Value)
	if err != nil {
		return nil, err
	}
	var violations []compliance.GateViolation
	if err := json.Unmarshal(payload, &violations); err != nil {
		return nil, fmt.Errorf("decode promotion policy result: %w", err)
	}
	slices.SortFunc(violations, func(a, b compliance.GateViolation) int {
		return strings.Compare(a.Code, b.Code)
	})
	return violations, nil
}

func policyInput(in compliance.PromotionInput) map[string]any {
	return map[string]any{
		"target":  string(in.Target),
		"current": string(in.Current),
		"certificate": map[string]any{
			"present": in.CertificatePresent,
			"expired": in.CertificateExpired,
		},
		"resolution_number": in.ResolutionNumber,
		"connection": map[string]any{
			"status":      string(in.ConnectionStatus),
			"environment": string(in.ConnectionEnvironment),
		},
		"accepted_in_certification": in.AcceptedInCertification,
	}
}
