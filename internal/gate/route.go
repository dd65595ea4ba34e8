package gate

import (
	"sort"
	"strings"

	"github.com/notmainstreet/ivi-engine/internal/domain"
)

const (
	baselineConfidence    = 0.2
	keywordConfidence     = 0.92
	volunteerGoalBoost    = 0.75
	defaultServiceShare   = 0.55
	defaultCommerceShare  = 0.45
	disambiguateBelow     = 0.7
	alternativesToDisplay = 3
)

// categoryClasses maps a case-folded what.category to the class it selects.
var categoryClasses = map[string]domain.EdgeClass{
	"service":    domain.ClassServiceRequest,
	"repair":     domain.ClassServiceRequest,
	"care":       domain.ClassServiceRequest,
	"commerce":   domain.ClassCommerceExchange,
	"market":     domain.ClassCommerceExchange,
	"sale":       domain.ClassCommerceExchange,
	"governance": domain.ClassGovernancePetition,
	"petition":   domain.ClassGovernancePetition,
	"policy":     domain.ClassGovernancePetition,
	"volunteer":  domain.ClassVolunteerTask,
	"mutual_aid": domain.ClassVolunteerTask,
	"event":      domain.ClassMeetupCoordination,
	"meetup":     domain.ClassMeetupCoordination,
}

// Route picks the primary edge class and the top alternatives.
func Route(what domain.What, why domain.Why) domain.Routing {
	scores := make(map[domain.EdgeClass]float64, len(domain.EdgeClasses))
	for _, c := range domain.EdgeClasses {
		scores[c] = baselineConfidence
	}

	category := strings.ToLower(strings.TrimSpace(what.Category))
	if class, ok := categoryClasses[category]; ok {
		scores[class] = keywordConfidence
	} else if strings.Contains(strings.ToLower(why.Goal), "volunteer") {
		scores[domain.ClassVolunteerTask] = volunteerGoalBoost
	} else {
		scores[domain.ClassServiceRequest] = defaultServiceShare
		scores[domain.ClassCommerceExchange] = defaultCommerceShare
	}

	ranked := make([]domain.RoutingAlternative, 0, len(domain.EdgeClasses))
	for _, c := range domain.EdgeClasses {
		ranked = append(ranked, domain.RoutingAlternative{EdgeClass: c, Confidence: scores[c]})
	}
	// Stable sort keeps declaration order among equal confidences.
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Confidence > ranked[j].Confidence
	})

	primary := ranked[0]
	return domain.Routing{
		Class:               primary.EdgeClass,
		Confidence:          primary.Confidence,
		Alternatives:        ranked[:alternativesToDisplay],
		NeedsDisambiguation: primary.Confidence < disambiguateBelow,
	}
}

// NextActions plans the follow-up steps for an evaluated proposal.
func NextActions(res domain.GateResult, routing domain.Routing) []string {
	if res.Outcome == domain.GatePass {
		var actions []string
		if routing.NeedsDisambiguation {
			actions = append(actions, "ask one clarifying question to confirm routing class")
		}
		return append(actions,
			"route to edge class: "+string(routing.Class),
			"begin locality-weighted candidate matching",
			"notify user and relevant coordinators",
		)
	}

	var actions []string
	for _, s := range res.MissingFields {
		actions = append(actions, "collect missing field -> "+s.Field)
	}
	for range res.Conflicts {
		actions = append(actions, "resolve conflicting fields before routing")
	}
	for range res.PolicyBlocks {
		actions = append(actions, "review policy/ethos trust requirements")
	}
	for range res.FeasibilityBlocks {
		actions = append(actions, "adjust feasibility constraints (budget/location/time)")
	}
	if len(actions) == 0 {
		return []string{"request clarification"}
	}
	return actions
}
