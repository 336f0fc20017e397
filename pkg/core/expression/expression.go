// Package expression maps conversational signals to discrete expression
// commands for the embodied peripheral.
package expression

import (
	"log/slog"
	"strings"
)

// Category is one of the fixed expressions the peripheral can perform.
type Category string

const (
	CategoryHappy    Category = "happy"
	CategoryCurious  Category = "curious"
	CategoryThinking Category = "thinking"
	CategorySurprise Category = "surprise"
	CategorySad      Category = "sad"
	CategoryNod      Category = "nod"
	CategoryShake    Category = "shake"
	CategoryNeutral  Category = "neutral"
)

// Trigger records what produced an expression command.
type Trigger string

const (
	TriggerThinking  Trigger = "thinking"
	TriggerReplyText Trigger = "reply-text"
)

// Command is one resolved expression dispatch.
type Command struct {
	Expression  Category
	TriggeredBy Trigger
}

type rule struct {
	category Category
	keywords []string
}

// rules is scanned in declaration order and the first matching category
// wins. The order is load-bearing: "agree" would also match nod, and "no"
// matches inside longer words. Do not sort or dedupe.
var rules = []rule{
	{CategoryHappy, []string{"great", "love", "wonderful", "happy", "glad", "awesome", "fun", "haha"}},
	{CategoryCurious, []string{"?", "how", "why", "what", "curious", "wonder", "interesting"}},
	{CategoryThinking, []string{"hmm", "think", "maybe", "perhaps", "let me see"}},
	{CategorySurprise, []string{"wow", "really", "surprised", "incredible", "unbelievable", "oh my"}},
	{CategorySad, []string{"sad", "sorry", "unfortunately", "miss", "lonely"}},
	{CategoryNod, []string{"yes", "yeah", "agree", "sure", "of course", "right", "okay"}},
	{CategoryShake, []string{"no", "not", "never", "nope", "can't", "don't"}},
}

// Resolve maps reply text to an expression category. The text is
// lower-cased and categories are scanned in fixed order; the first category
// with a substring match wins, and CategoryNeutral is the fallback.
func Resolve(text string) Category {
	lowered := strings.ToLower(text)
	for _, r := range rules {
		for _, kw := range r.keywords {
			if strings.Contains(lowered, kw) {
				return r.category
			}
		}
	}
	return CategoryNeutral
}

// Peripheral is the delivery target for expression commands. The interface
// is defined here, where it is consumed.
type Peripheral interface {
	PlayExpression(expression string) error
}

// Synchronizer resolves and forwards expression commands. Delivery is
// fire-and-forget: a disconnected or failing peripheral never surfaces an
// error to the conversation.
type Synchronizer struct {
	peripheral Peripheral
	logger     *slog.Logger
}

// NewSynchronizer creates a synchronizer. peripheral may be nil, in which
// case commands resolve but go nowhere.
func NewSynchronizer(peripheral Peripheral, logger *slog.Logger) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		peripheral: peripheral,
		logger:     logger.With("component", "expression"),
	}
}

// OnThinking dispatches the fixed thinking expression. Invoked whenever the
// session enters its thinking state, independent of any text.
func (s *Synchronizer) OnThinking() Command {
	cmd := Command{Expression: CategoryThinking, TriggeredBy: TriggerThinking}
	s.dispatch(cmd)
	return cmd
}

// OnReply resolves an expression from completed reply text and dispatches
// it.
func (s *Synchronizer) OnReply(text string) Command {
	cmd := Command{Expression: Resolve(text), TriggeredBy: TriggerReplyText}
	s.dispatch(cmd)
	return cmd
}

func (s *Synchronizer) dispatch(cmd Command) {
	if s.peripheral == nil {
		return
	}
	if err := s.peripheral.PlayExpression(string(cmd.Expression)); err != nil {
		// Peripheral absence is normal; never retried, never surfaced.
		s.logger.Debug("expression dropped", "expression", cmd.Expression, "error", err)
	}
}
