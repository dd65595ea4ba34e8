// Package gate evaluates proposal facets against the dual validity gate and
// routes them to an edge class.
//
// Evaluation never returns an error: every problem is reported as a tagged
// failure signal on the GateResult, and all checks always run.
package gate

import (
	"strings"

	"github.com/notmainstreet/ivi-engine/internal/domain"
)

// Evaluate runs the missing-field, noumenal and phenomenal checks.
func Evaluate(f domain.Facets) domain.GateResult {
	res := domain.GateResult{
		MissingFields:     []domain.FailureSignal{},
		Conflicts:         []domain.FailureSignal{},
		PolicyBlocks:      []domain.FailureSignal{},
		FeasibilityBlocks: []domain.FailureSignal{},
	}

	if f.Who.UserID == "" {
		res.MissingFields = append(res.MissingFields, missing("who.user_id", "WHO user identity is required"))
	}
	if f.Why.Goal == "" {
		res.MissingFields = append(res.MissingFields, missing("why.goal", "WHY goal is required"))
	}
	if f.What.Description == "" {
		res.MissingFields = append(res.MissingFields, missing("what.description", "WHAT description is required"))
	}
	if !domain.ValidScope(f.Where.ScopeLevel) {
		res.MissingFields = append(res.MissingFields,
			missing("where.scope_level", "WHERE scope_level must be one of household|block|town|region"))
	}
	if f.When.Window == "" {
		res.MissingFields = append(res.MissingFields, missing("when.window", "WHEN window is required"))
	}

	// Noumenal: intent and values.
	noumenal := true
	if len(f.Why.Values) == 0 {
		res.PolicyBlocks = append(res.PolicyBlocks,
			signal(domain.SignalPolicyBlock, "why.values", "Intent requires at least one value commitment"))
		noumenal = false
	}
	if hasBannedRole(f.Who.Roles) {
		res.PolicyBlocks = append(res.PolicyBlocks,
			signal(domain.SignalPolicyBlock, "who.roles", "Actor role is not permitted for this action"))
		noumenal = false
	}

	// Phenomenal: feasibility and consistency.
	phenomenal := true
	if f.Where.ScopeLevel == domain.ScopeHousehold && f.What.Category == "governance" {
		res.Conflicts = append(res.Conflicts,
			signal(domain.SignalConflict, "where.scope_level+what.category", "Governance requests cannot be household-only"))
		phenomenal = false
	}
	if f.What.Budget != nil && *f.What.Budget < 0 {
		res.FeasibilityBlocks = append(res.FeasibilityBlocks,
			signal(domain.SignalFeasibilityBlock, "what.budget", "Budget cannot be negative"))
		phenomenal = false
	}

	if len(res.MissingFields) > 0 {
		noumenal = false
		phenomenal = false
	}

	res.Noumenal = noumenal
	res.Phenomenal = phenomenal
	switch {
	case noumenal && phenomenal:
		res.Outcome = domain.GatePass
	case !noumenal && !phenomenal:
		res.Outcome = domain.GateFail
	default:
		res.Outcome = domain.GatePartial
	}
	return res
}

func hasBannedRole(roles []string) bool {
	for _, r := range roles {
		if strings.ToLower(r) == "banned" {
			return true
		}
	}
	return false
}

func missing(field, msg string) domain.FailureSignal {
	return signal(domain.SignalMissingField, field, msg)
}

func signal(code domain.SignalCode, field, msg string) domain.FailureSignal {
	return domain.FailureSignal{Code: code, Field: field, Message: msg}
}

// EvaluateAll runs the gate, the router and the action planner together.
func EvaluateAll(f domain.Facets) domain.Evaluation {
	res := Evaluate(f)
	routing := Route(f.What, f.Why)
	return domain.Evaluation{
		GateResults: res,
		Routing:     routing,
		NextActions: NextActions(res, routing),
	}
}
