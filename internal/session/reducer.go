package session

import (
	"github.com/rtloftin/discrete-bam/internal/actor"
	"github.com/rtloftin/discrete-bam/internal/protocol/wire"
)

// Reduce is the session reducer.
func Reduce(state State, input actor.Input) (State, []actor.Effect) {
	switch in := input.(type) {
	case evAction:
		return reduceAction(state, in)
	case evReset:
		return reduceReset(state)
	case evTask:
		return reduceTask(state, in)
	case evFeedback:
		return reduceFeedback(state, in)
	case evStartDemonstration:
		return reduceStartDemonstration(state)
	case evStartExecution:
		return reduceStartExecution(state)
	case evStopDemonstration, evStopExecution:
		return reduceStartIdle(state)
	case cmdClose:
		return reduceClose(state, in)

	case evActionDone:
		return reduceActionDone(state, in)
	case evResetDone:
		state.ResetBusy = false
		return state, reportIfFailed(wire.TypeReset, in.Err)
	case evTaskDone:
		state.TaskBusy = false
		return state, reportIfFailed(wire.TypeTask, in.Err)
	case evLearnDone:
		return reduceLearnDone(state, in)
	case evRequestFailed:
		return state, reportIfFailed(in.Op, in.Err)
	default:
		return state, nil
	}
}

func reduceAction(state State, in evAction) (State, []actor.Effect) {
	if state.Paused || !state.InputEnabled || state.ActionBusy {
		return state, nil
	}
	state.ActionBusy = true
	return state, []actor.Effect{effTakeAction{
		Action: in.Action,
		OnTask: state.Mode == ModeDemonstration,
	}}
}

func reduceActionDone(state State, in evActionDone) (State, []actor.Effect) {
	state.ActionBusy = false
	if in.Err != nil {
		return state, reportIfFailed(wire.TypeTakeAction, in.Err)
	}
	if in.OnTask && state.Mode == ModeDemonstration && !state.FinishUnlocked && in.Task != "" {
		state = state.withCovered(in.Task)
	}
	return state, nil
}

func reduceReset(state State) (State, []actor.Effect) {
	if state.Paused || state.ResetBusy {
		return state, nil
	}
	state.ResetBusy = true
	return state, []actor.Effect{effReset{NoOp: state.Mode == ModeDemonstration}}
}

func reduceTask(state State, in evTask) (State, []actor.Effect) {
	if state.Paused || state.TaskBusy {
		return state, nil
	}
	state.TaskBusy = true
	return state, []actor.Effect{effChangeTask{
		Name: in.Name,
		NoOp: state.Mode == ModeDemonstration,
	}}
}

func reduceFeedback(state State, in evFeedback) (State, []actor.Effect) {
	if state.Paused || state.Mode != ModeExecution || !in.Kind.Valid() {
		return state, nil
	}
	return state, []actor.Effect{
		effFlash{Kind: in.Kind},
		effSendFeedback{Kind: in.Kind},
	}
}

func reduceStartDemonstration(state State) (State, []actor.Effect) {
	if state.Paused || state.Mode == ModeDemonstration {
		return state, nil
	}
	state.InputEnabled = false
	effects := []actor.Effect{effStopLoop{}}
	if state.Mode == ModeExecution {
		return beginLearn(state, ModeDemonstration, false, effects)
	}
	return enterMode(state, ModeDemonstration, effects)
}

func reduceStartExecution(state State) (State, []actor.Effect) {
	if state.Paused || state.Mode == ModeExecution {
		return state, nil
	}
	state.InputEnabled = false
	effects := []actor.Effect{effStopLoop{}}
	if state.Mode == ModeDemonstration {
		return beginLearn(state, ModeExecution, false, effects)
	}
	return enterMode(state, ModeExecution, effects)
}

// reduceStartIdle handles both stop events. Leaving either active mode always
// learns; leaving demonstration also sends the implicit no-op first.
func reduceStartIdle(state State) (State, []actor.Effect) {
	if state.Paused || state.Mode == ModeIdle {
		return state, nil
	}
	state.InputEnabled = false
	effects := []actor.Effect{effStopLoop{}}
	return beginLearn(state, ModeIdle, state.Mode == ModeDemonstration, effects)
}

func beginLearn(state State, target Mode, noOp bool, effects []actor.Effect) (State, []actor.Effect) {
	state.Paused = true
	state.Learning = true
	state.Target = target
	return state, append(effects, effLearn{NoOp: noOp})
}

func enterMode(state State, mode Mode, effects []actor.Effect) (State, []actor.Effect) {
	state.Mode = mode
	state.Target = mode
	switch mode {
	case ModeDemonstration:
		state.InputEnabled = true
		effects = append(effects, effDisplay{Mode: mode, Status: statusDemonstration})
	case ModeExecution:
		state.InputEnabled = false
		state.LoopID++
		effects = append(effects,
			effDisplay{Mode: mode, Status: statusExecution},
			effStartLoop{ID: state.LoopID},
		)
	default:
		state.InputEnabled = true
		effects = append(effects, effDisplay{Mode: mode, Status: statusIdle, HighlightIfGoal: true})
	}
	return state, effects
}

func reduceLearnDone(state State, in evLearnDone) (State, []actor.Effect) {
	if !state.Learning {
		return state, nil
	}
	state.Learning = false

	var effects []actor.Effect
	if in.Err != nil {
		effects = append(effects, effReportError{Op: wire.TypeUpdate, Err: in.Err})
	}
	if !state.FinishUnlocked && allCovered(in.Tasks, state.Covered) {
		state.FinishUnlocked = true
		effects = append(effects, effUnlockFinish{})
	}
	effects = append(effects, effHideIndicator{})

	if state.Closed {
		if state.CloseReply != nil {
			effects = append(effects, effCompleteReply{Reply: state.CloseReply, Err: in.Err})
			state.CloseReply = nil
		}
		return state, effects
	}

	state.Paused = false
	return enterMode(state, state.Target, effects)
}

func reduceClose(state State, in cmdClose) (State, []actor.Effect) {
	if state.Closed {
		if in.Learn && state.Learning && state.CloseReply == nil {
			state.CloseReply = in.Reply
			return state, nil
		}
		return state, []actor.Effect{effCompleteReply{Reply: in.Reply}}
	}

	state.Closed = true
	state.Paused = true
	state.InputEnabled = false
	effects := []actor.Effect{effStopLoop{}}

	switch {
	case state.Learning && in.Learn:
		// The outstanding learn cycle is the final one.
		state.CloseReply = in.Reply
		return state, effects
	case in.Learn && state.Mode != ModeIdle:
		state.CloseReply = in.Reply
		return beginLearn(state, state.Mode, false, effects)
	default:
		return state, append(effects, effCompleteReply{Reply: in.Reply})
	}
}

func allCovered(tasks []string, covered map[string]struct{}) bool {
	for _, name := range tasks {
		if _, ok := covered[name]; !ok {
			return false
		}
	}
	return true
}

func reportIfFailed(op string, err error) []actor.Effect {
	if err == nil {
		return nil
	}
	return []actor.Effect{effReportError{Op: op, Err: err}}
}
