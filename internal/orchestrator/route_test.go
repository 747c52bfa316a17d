package orchestrator

import (
	"testing"

	"github.com/kalambet/tutor/internal/intent"
)

func TestDecide(t *testing.T) {
	tests := []struct {
		in         intent.Intent
		confidence float64
		resolvable bool
		want       Route
	}{
		{intent.Greeting, 0.9, false, RouteDirect},
		{intent.Goodbye, 0.1, true, RouteDirect},
		{intent.OffTopic, 1, false, RouteDirect},
		{intent.Exploration, 0.59, false, RouteDirect},
		{intent.Exploration, 0.6, false, RouteKnowledge},
		{intent.TheoreticalQuestion, 0.2, false, RouteKnowledge},
		{intent.PracticalGeneral, 0.9, true, RouteKnowledge},
		{intent.PracticalSpecific, 0.9, true, RouteGaps},
		{intent.PracticalSpecific, 0.9, false, RouteKnowledge},
		{intent.Intent("made_up"), 0.9, true, RouteKnowledge},
	}
	for _, tt := range tests {
		if got := Decide(tt.in, tt.confidence, tt.resolvable, DefaultLowConfidence); got != tt.want {
			t.Errorf("Decide(%s, %v, %v) = %s, want %s", tt.in, tt.confidence, tt.resolvable, got, tt.want)
		}
	}
}

func TestDecide_Total(t *testing.T) {
	known := map[Route]bool{}
	for _, r := range Routes() {
		known[r] = true
	}
	for _, in := range intent.All() {
		for _, c := range []float64{0, 0.5, 1} {
			for _, res := range []bool{false, true} {
				if r := Decide(in, c, res, DefaultLowConfidence); !known[r] {
					t.Errorf("Decide(%s, %v, %v) = %q, not a route", in, c, res, r)
				}
			}
		}
	}
}

func TestRoute_UnmarshalText(t *testing.T) {
	var r Route
	if err := r.UnmarshalText([]byte("gap_analyzer")); err != nil || r != RouteGaps {
		t.Errorf("UnmarshalText(gap_analyzer) = %v, %v", r, err)
	}
	if err := r.UnmarshalText([]byte("teleport")); err == nil {
		t.Error("UnmarshalText should reject unknown routes")
	}
}
