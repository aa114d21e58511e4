package generate

import (
	"strings"

	"github.com/born-ml/tokbridge/internal/config"
)

// StopReason says why generation ended.
type StopReason string

const (
	StopNone         StopReason = ""
	StopMaxNewTokens StopReason = "max_new_tokens"
	StopSequence     StopReason = "stop_sequence"
	StopToken        StopReason = "stop_token"
	StopCancelled    StopReason = "cancelled"
)

// Stopper evaluates resolved stopping criteria against the generated stream. It is not safe
// for concurrent use.
type Stopper struct {
	maxNew    int
	hasMax    bool
	sequences []string
	tokenIDs  map[int]struct{}
	longest   int

	generated int
	tail      string
}

// NewStopper builds a stopper from criteria. Kinds it does not know are ignored.
func NewStopper(criteria []config.StoppingCriterion) *Stopper {
	s := &Stopper{}
	for _, c := range criteria {
		switch c.Kind {
		case config.CriterionMaxNewTokens:
			s.maxNew, s.hasMax = c.MaxNewTokens, true
		case config.CriterionStopSequences:
			for _, seq := range c.Sequences {
				if seq == "" {
					continue
				}
				s.sequences = append(s.sequences, seq)
				s.longest = max(s.longest, len(seq))
			}
		case config.CriterionStopTokenIDs:
			if s.tokenIDs == nil {
				s.tokenIDs = make(map[int]struct{}, len(c.TokenIDs))
			}
			for _, id := range c.TokenIDs {
				s.tokenIDs[id] = struct{}{}
			}
		}
	}
	return s
}

// MaxNewTokens returns the token budget, if one is configured.
func (s *Stopper) MaxNewTokens() (int, bool) { return s.maxNew, s.hasMax }

// Exhausted reports whether the budget is spent before any token is produced.
func (s *Stopper) Exhausted() bool { return s.hasMax && s.generated >= s.maxNew }

// Step records one generated token and its decoded text and reports whether generation should
// stop. Stop tokens are checked first, then stop sequences (matched across token boundaries),
// then the token budget.
func (s *Stopper) Step(id int, piece string) (bool, StopReason) {
	s.generated++

	if _, ok := s.tokenIDs[id]; ok {
		return true, StopToken
	}

	if len(s.sequences) > 0 {
		text := s.tail + piece
		for _, seq := range s.sequences {
			if strings.Contains(text, seq) {
				return true, StopSequence
			}
		}
		// Keep just enough text to match a sequence that straddles the next piece.
		if keep := s.longest - 1; len(text) > keep {
			text = text[len(text)-keep:]
		}
		s.tail = text
	}

	if s.hasMax && s.generated >= s.maxNew {
		return true, StopMaxNewTokens
	}
	return false, StopNone
}

// Generated returns the number of tokens seen by Step.
func (s *Stopper) Generated() int { return s.generated }

// Reset clears the per-run state.
func (s *Stopper) Reset() {
	s.generated = 0
	s.tail = ""
}
