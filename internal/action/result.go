package action

type Outcome int

const (
	OutcomeUnknown Outcome = iota
	OutcomeMatched
)

func (o Outcome) String() string {
	if o == OutcomeMatched {
		return "matched"
	}
	return "unknown"
}

// Result is a classification outcome. Failures are reported through the
// accompanying error instead of a third outcome.
type Result struct {
	Outcome Outcome
	Action  Action
}

func Matched(a Action) Result { return Result{Outcome: OutcomeMatched, Action: a} }

func Unknown() Result { return Result{Outcome: OutcomeUnknown} }

func (r Result) IsMatched() bool { return r.Outcome == OutcomeMatched }

// Name is the matched action name, or "unknown".
func (r Result) Name() string {
	if r.IsMatched() {
		return r.Action.Name
	}
	return "unknown"
}
