package ledger

// Sequence is the conflict resolution outcome of a unit. It starts as pending,
// may become temp-bad while an unstable conflict exists and settles into
// good or final-bad when the unit's main chain index stabilizes.
// good and final-bad are terminal
type Sequence byte

const (
	SequencePending = Sequence(iota)
	SequenceGood
	SequenceTempBad
	SequenceFinalBad
)

func (s Sequence) String() string {
	switch s {
	case SequencePending:
		return "pending"
	case SequenceGood:
		return "good"
	case SequenceTempBad:
		return "temp-bad"
	case SequenceFinalBad:
		return "final-bad"
	}
	return "wrong sequence value"
}

func (s Sequence) IsFinal() bool {
	return s == SequenceGood || s == SequenceFinalBad
}
