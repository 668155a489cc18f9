package stats

import "errors"

// ErrNoControl is returned when a winner selection has no control arm.
var ErrNoControl = errors.New("test has no control variant")

// Arm pairs a variant's identity with its observed counters.
type Arm struct {
	VariantID string
	IsControl bool
	Observation
}

// WinnerResult is the recommendation produced by SelectWinner, together
// with the decisive comparison's statistics.
type WinnerResult struct {
	WinningVariantID string
	HasSignificance  bool
	// Decisive is the comparison between the recommended winner and the
	// control, or between the control and its best challenger when no
	// challenger reaches significance.
	Decisive Comparison
}

// SelectWinner compares every non-control arm against the control and
// recommends a winner.
//
// Only challengers that reach significance AND beat the control are
// candidates; among them the one with the largest relative improvement
// wins. Ties between candidates, or no significant candidate at all,
// leave the control as the implicit winner with hasSignificance=false.
// This asymmetry is deliberate: a variant is never shipped unless it is
// proven strictly better.
func SelectWinner(arms []Arm, opts Options) (WinnerResult, error) {
	var control *Arm
	for i := range arms {
		if arms[i].IsControl {
			control = &arms[i]
			break
		}
	}
	if control == nil {
		return WinnerResult{}, ErrNoControl
	}

	var (
		best      *Arm
		bestCmp   Comparison
		tied      bool
		challenge *Arm
		chalCmp   Comparison
	)

	for i := range arms {
		arm := &arms[i]
		if arm.IsControl {
			continue
		}

		cmp := Compare(arm.Observation, control.Observation, opts)

		// Track the strongest challenger for reporting even when nothing
		// is significant yet.
		if challenge == nil || cmp.RelativeImprovement > chalCmp.RelativeImprovement {
			challenge = arm
			chalCmp = cmp
		}

		if !cmp.HasSignificance || cmp.RelativeImprovement <= 0 {
			continue
		}

		switch {
		case best == nil || cmp.RelativeImprovement > bestCmp.RelativeImprovement:
			best = arm
			bestCmp = cmp
			tied = false
		case cmp.RelativeImprovement == bestCmp.RelativeImprovement:
			tied = true
		}
	}

	if best == nil || tied {
		res := WinnerResult{WinningVariantID: control.VariantID}
		if challenge != nil {
			res.Decisive = chalCmp
		} else {
			res.Decisive = Compare(control.Observation, control.Observation, opts)
		}
		// A tie or an empty field never counts as a significant outcome.
		res.Decisive.HasSignificance = false
		return res, nil
	}

	return WinnerResult{
		WinningVariantID: best.VariantID,
		HasSignificance:  true,
		Decisive:         bestCmp,
	}, nil
}
