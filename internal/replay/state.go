package replay

import (
	"encoding/json"

	"github.com/corvid-labs/axon/internal/patch"
	"github.com/corvid-labs/axon/internal/store"
	"github.com/corvid-labs/axon/pkg/schema"
)

// StateAt reconstructs the run state as of events[target]. The target index
// is clamped into range. Reconstruction scans backward from the target to the
// nearest start or restart event, takes its initial state as the base, then
// replays every step_complete patch up to and including the target.
//
// A log with no start or restart event before the target cannot be replayed.
func StateAt(events []*store.Event, target int) (json.RawMessage, error) {
	if len(events) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeLogCorrupt, "run has no events")
	}
	if target < 0 {
		target = 0
	}
	if target >= len(events) {
		target = len(events) - 1
	}

	base := -1
	var state json.RawMessage
	for i := target; i >= 0; i-- {
		e := events[i]
		if e.Kind != schema.EventStart && e.Kind != schema.EventRestart {
			continue
		}
		decoded, err := schema.DecodeEventPayload(e.Kind, e.Payload)
		if err != nil {
			return nil, err
		}
		switch p := decoded.(type) {
		case *schema.StartPayload:
			state = p.InitialState
		case *schema.RestartPayload:
			state = p.InitialState
		}
		base = i
		break
	}
	if base == -1 {
		return nil, schema.NewErrorf(schema.ErrCodeLogCorrupt,
			"no start or restart event before index %d", target).WithRun(events[0].RunID)
	}
	if len(state) == 0 {
		state = json.RawMessage(`{}`)
	}

	for i := base + 1; i <= target; i++ {
		e := events[i]
		if e.Kind != schema.EventStepComplete {
			continue
		}
		decoded, err := schema.DecodeEventPayload(e.Kind, e.Payload)
		if err != nil {
			return nil, err
		}
		sc := decoded.(*schema.StepCompletePayload)
		if patch.IsEmpty(sc.Patch) {
			continue
		}
		next, err := patch.Apply(state, sc.Patch)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodePatchFailed,
				"replay step %q at seq %d: %s", sc.Step, e.Seq, err.Error()).
				WithRun(e.RunID).WithStep(sc.Step).WithCause(err)
		}
		state = next
	}
	return state, nil
}

// CurrentState reconstructs the state after the last event.
func CurrentState(events []*store.Event) (json.RawMessage, error) {
	return StateAt(events, len(events)-1)
}

// StepStatuses folds step lifecycle events into a per-step status view,
// ordered by first appearance. Derived step_status snapshot events are
// skipped; this fold is what produces them.
func StepStatuses(events []*store.Event) ([]schema.StepSnapshot, error) {
	index := make(map[string]int)
	var steps []schema.StepSnapshot

	mark := func(step string, status schema.StepStatus) {
		if step == "" {
			return
		}
		if i, ok := index[step]; ok {
			steps[i].Status = status
			return
		}
		index[step] = len(steps)
		steps = append(steps, schema.StepSnapshot{Step: step, Status: status})
	}

	agentStep := ""
	for _, e := range events {
		switch e.Kind {
		case schema.EventStepStart, schema.EventStepComplete, schema.EventStepRetry,
			schema.EventWebhook, schema.EventAgentStart, schema.EventAgentWebhook:
		default:
			continue
		}
		decoded, err := schema.DecodeEventPayload(e.Kind, e.Payload)
		if err != nil {
			return nil, err
		}
		switch p := decoded.(type) {
		case *schema.StepStartPayload:
			mark(p.Step, schema.StepStatusRunning)
		case *schema.StepCompletePayload:
			mark(p.Step, schema.StepStatusComplete)
		case *schema.StepRetryPayload:
			mark(p.Step, schema.StepStatusRetrying)
		case *schema.WebhookPayload:
			mark(p.Step, schema.StepStatusWaiting)
		case *schema.AgentStartPayload:
			agentStep = p.Step
			mark(p.Step, schema.StepStatusRunning)
		case *schema.AgentWebhookPayload:
			mark(agentStep, schema.StepStatusWaiting)
		}
	}
	return steps, nil
}
