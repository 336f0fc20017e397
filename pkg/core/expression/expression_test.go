package expression

import (
	"errors"
	"testing"
)

func TestResolveFirstMatchWins(t *testing.T) {
	// "great" (happy) appears before "agree" (nod) in category order, so
	// happy wins even though both match.
	if got := Resolve("That's great, I agree!"); got != CategoryHappy {
		t.Errorf("Resolve() = %q, want %q", got, CategoryHappy)
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		text string
		want Category
	}{
		{"I love this song", CategoryHappy},
		{"How does that work?", CategoryCurious},
		{"Hmm, give me a moment", CategoryThinking},
		{"Wow, I did not expect that", CategorySurprise},
		{"I'm sorry to hear that", CategorySad},
		{"Yes, absolutely", CategoryNod},
		{"Never again", CategoryShake},
		{"The weather is mild today", CategoryNeutral},
		{"", CategoryNeutral},
		// Substring matching is deliberate: "know" contains "no".
		{"I know", CategoryShake},
		// Case-insensitive.
		{"GREAT JOB", CategoryHappy},
	}

	for _, tt := range tests {
		if got := Resolve(tt.text); got != tt.want {
			t.Errorf("Resolve(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	for i := 0; i < 10; i++ {
		if got := Resolve("That's great, I agree!"); got != CategoryHappy {
			t.Fatalf("iteration %d: Resolve() = %q, want %q", i, got, CategoryHappy)
		}
	}
}

type recordingPeripheral struct {
	sent []string
	err  error
}

func (p *recordingPeripheral) PlayExpression(expression string) error {
	p.sent = append(p.sent, expression)
	return p.err
}

func TestSynchronizerOnThinking(t *testing.T) {
	per := &recordingPeripheral{}
	s := NewSynchronizer(per, nil)

	cmd := s.OnThinking()
	if cmd.Expression != CategoryThinking || cmd.TriggeredBy != TriggerThinking {
		t.Fatalf("cmd = %+v", cmd)
	}
	if len(per.sent) != 1 || per.sent[0] != "thinking" {
		t.Fatalf("sent = %v", per.sent)
	}
}

func TestSynchronizerOnReply(t *testing.T) {
	per := &recordingPeripheral{}
	s := NewSynchronizer(per, nil)

	cmd := s.OnReply("What a wonderful day")
	if cmd.Expression != CategoryHappy || cmd.TriggeredBy != TriggerReplyText {
		t.Fatalf("cmd = %+v", cmd)
	}
	if len(per.sent) != 1 || per.sent[0] != "happy" {
		t.Fatalf("sent = %v", per.sent)
	}
}

func TestSynchronizerDeliveryFailureIsSwallowed(t *testing.T) {
	per := &recordingPeripheral{err: errors.New("peripheral gone")}
	s := NewSynchronizer(per, nil)

	// Must not panic or surface the error.
	s.OnReply("sure thing")
}

func TestSynchronizerNilPeripheral(t *testing.T) {
	s := NewSynchronizer(nil, nil)
	if cmd := s.OnReply("okay"); cmd.Expression != CategoryNod {
		t.Fatalf("cmd = %+v", cmd)
	}
}
