package intent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kalambet/tutor/internal/engine"
	"github.com/kalambet/tutor/internal/flow"
)

type mockChatter struct {
	response string
	err      error
	delay    time.Duration
	calls    int
}

func (m *mockChatter) Chat(ctx context.Context, _ string, _ []engine.Message, _ *engine.Schema) (string, error) {
	m.calls++
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return m.response, m.err
}

func TestParse_Accepts(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Classification
	}{
		{
			name: "plain object",
			in:   `{"intent":"theoretical_question","confidence":0.92,"topics":["left join"]}`,
			want: Classification{Intent: TheoreticalQuestion, Confidence: 0.92, Topics: []string{"left join"}},
		},
		{
			name: "wrapped in prose with numeric reference",
			in:   "Sure:\n```json\n{\"intent\":\"practical_specific\",\"confidence\":\"0.8\",\"practice_id\":2,\"exercise_id\":\"1.d\"}\n```",
			want: Classification{Intent: PracticalSpecific, Confidence: 0.8, PracticeID: "2", ExerciseID: "1.d"},
		},
		{
			name: "single element array",
			in:   `{"intent":["greeting"],"confidence":1}`,
			want: Classification{Intent: Greeting, Confidence: 1},
		},
		{
			name: "intents field",
			in:   `{"intents":"goodbye","confidence":0.7}`,
			want: Classification{Intent: Goodbye, Confidence: 0.7},
		},
		{
			name: "confidence clamped",
			in:   `{"intent":"Off_Topic","confidence":1.7}`,
			want: Classification{Intent: OffTopic, Confidence: 1},
		},
		{
			name: "repeated label",
			in:   `{"intent":"exploration","intents":["exploration"],"confidence":-0.2}`,
			want: Classification{Intent: Exploration, Confidence: 0},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.in)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if got.Intent != tt.want.Intent || got.Confidence != tt.want.Confidence ||
				got.PracticeID != tt.want.PracticeID || got.ExerciseID != tt.want.ExerciseID {
				t.Errorf("Parse() = %+v, want %+v", got, tt.want)
			}
			if len(got.Topics) != len(tt.want.Topics) {
				t.Errorf("topics = %v, want %v", got.Topics, tt.want.Topics)
			}
		})
	}
}

func TestParse_RejectsAllButExactlyOne(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"no json", "I think it is a greeting"},
		{"no intent", `{"confidence":0.5}`},
		{"empty string", `{"intent":""}`},
		{"two in array", `{"intent":["greeting","goodbye"]}`},
		{"comma separated", `{"intent":"greeting, goodbye"}`},
		{"pipe separated", `{"intent":"theoretical_question|practical_general"}`},
		{"split across fields", `{"intent":"greeting","intents":["off_topic"]}`},
		{"unknown label", `{"intent":"homework_help"}`},
		{"wrong type", `{"intent":{"name":"greeting"}}`},
		{"bad confidence", `{"intent":"greeting","confidence":"high"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.in)
			if err == nil {
				t.Fatal("expected error")
			}
			if !flow.Is(err, flow.KindParse) {
				t.Errorf("kind = %q, want parse", flow.KindOf(err))
			}
		})
	}
}

func TestIntentUnmarshalText(t *testing.T) {
	var in Intent
	if err := in.UnmarshalText([]byte("practical_general")); err != nil || in != PracticalGeneral {
		t.Fatalf("UnmarshalText = %q, %v", in, err)
	}
	if err := in.UnmarshalText([]byte("chit_chat")); err == nil {
		t.Fatal("expected error for unknown label")
	}
}

func TestClassify(t *testing.T) {
	mock := &mockChatter{response: `{"intent":"theoretical_question","confidence":0.9}`}
	c := NewClassifier(mock, "qwen2.5", time.Second)

	got, err := c.Classify(context.Background(), "¿Qué es un LEFT JOIN?", nil, "")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got.Intent != TheoreticalQuestion || mock.calls != 1 {
		t.Errorf("got %+v after %d calls", got, mock.calls)
	}
}

func TestClassify_ErrorKinds(t *testing.T) {
	tests := []struct {
		name string
		mock *mockChatter
		msg  string
		want flow.Kind
	}{
		{"empty message", &mockChatter{}, "", flow.KindValidation},
		{"transport", &mockChatter{err: errors.New("connection refused")}, "hola", flow.KindUpstream},
		{"timeout", &mockChatter{delay: time.Second}, "hola", flow.KindUpstream},
		{"garbage", &mockChatter{response: "no idea"}, "hola", flow.KindParse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClassifier(tt.mock, "qwen2.5", 20*time.Millisecond)
			_, err := c.Classify(context.Background(), tt.msg, nil, "")
			if got := flow.KindOf(err); got != tt.want {
				t.Errorf("kind = %q (%v), want %q", got, err, tt.want)
			}
		})
	}
}

func TestSchemaEnumMatchesAll(t *testing.T) {
	s := Schema()
	if got := len(s.Properties["intent"].Enum); got != len(All()) {
		t.Errorf("enum has %d labels, want %d", got, len(All()))
	}
}
