package orchestrator

import (
	"fmt"

	"github.com/kalambet/tutor/internal/intent"
)

// Route is the reasoning path chosen for a message.
type Route string

const (
	RouteDirect    Route = "direct_response"
	RouteKnowledge Route = "knowledge_retrieval"
	RouteGaps      Route = "gap_analyzer"
)

// Routes lists every route.
func Routes() []Route {
	return []Route{RouteDirect, RouteKnowledge, RouteGaps}
}

func (r *Route) UnmarshalText(b []byte) error {
	v := Route(b)
	for _, known := range Routes() {
		if v == known {
			*r = v
			return nil
		}
	}
	return fmt.Errorf("unknown route %q", string(b))
}

func (r Route) MarshalText() ([]byte, error) {
	if err := r.UnmarshalText([]byte(r)); err != nil {
		return nil, err
	}
	return []byte(r), nil
}

// DefaultLowConfidence is the exploration confidence under which a message
// gets a short direct answer instead of a retrieval-backed one.
const DefaultLowConfidence = 0.6

// Decide maps a classification to a route. It is total: every intent,
// including unknown ones, yields a route. resolvable reports whether the
// message names an exercise the catalog knows.
func Decide(in intent.Intent, confidence float64, resolvable bool, lowConfidence float64) Route {
	switch in {
	case intent.Greeting, intent.Goodbye, intent.OffTopic:
		return RouteDirect
	case intent.Exploration:
		if confidence < lowConfidence {
			return RouteDirect
		}
		return RouteKnowledge
	case intent.PracticalSpecific:
		if resolvable {
			return RouteGaps
		}
		return RouteKnowledge
	default:
		return RouteKnowledge
	}
}
