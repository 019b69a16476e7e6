package tracker

import (
	"context"
	"fmt"

	"taskagent/pkg/pipeline"
	"taskagent/pkg/queue"
)

// Handlers adapts a Source into the stage handler set the pipeline Processor
// runs. Each handler copies the item's input payload and fills in its own
// section, so downstream stages see everything produced so far.
func Handlers(src Source) map[queue.TaskType]pipeline.Handler {
	return map[queue.TaskType]pipeline.Handler{
		queue.TaskEvaluate:       evaluateHandler(src),
		queue.TaskRefine:         refineHandler(src),
		queue.TaskGeneratePrompt: promptHandler(src),
		queue.TaskCheckResponse:  approvalHandler(src),
		queue.TaskSyncState:      syncHandler(src),
	}
}

func evaluateHandler(src Source) pipeline.Handler {
	return func(ctx context.Context, item *queue.TicketItem) (*queue.Payload, error) {
		in, err := stageInput(item)
		if err != nil {
			return nil, err
		}
		if in.Evaluate == nil {
			return nil, fmt.Errorf("evaluate input missing ticket text")
		}

		eval, err := src.Evaluate(ctx, Ticket{
			ID:          item.TicketID,
			Identifier:  item.TicketIdentifier,
			Title:       in.Evaluate.Title,
			Description: in.Evaluate.Description,
			Priority:    item.Priority,
		})
		if err != nil {
			return nil, fmt.Errorf("evaluate %s: %w", item.TicketIdentifier, err)
		}

		out := clonePayload(in)
		score := eval.Score
		out.Evaluate = &queue.EvaluateData{
			Title:          in.Evaluate.Title,
			Description:    in.Evaluate.Description,
			ReadinessScore: &score,
			Summary:        eval.Summary,
		}
		return out, nil
	}
}

func refineHandler(src Source) pipeline.Handler {
	return func(ctx context.Context, item *queue.TicketItem) (*queue.Payload, error) {
		in, err := stageInput(item)
		if err != nil {
			return nil, err
		}

		summary := ""
		if in.Evaluate != nil {
			summary = in.Evaluate.Summary
		}
		if summary == "" && in.Refine != nil {
			summary = in.Refine.Summary
		}

		ref, err := src.Refine(ctx, item.TicketID, summary)
		if err != nil {
			return nil, fmt.Errorf("refine %s: %w", item.TicketIdentifier, err)
		}

		out := clonePayload(in)
		out.Refine = &queue.RefineData{
			Summary:            summary,
			RefinedDescription: ref.Description,
			OpenQuestions:      ref.OpenQuestions,
		}
		return out, nil
	}
}

func promptHandler(src Source) pipeline.Handler {
	return func(ctx context.Context, item *queue.TicketItem) (*queue.Payload, error) {
		in, err := stageInput(item)
		if err != nil {
			return nil, err
		}

		refined := ""
		if in.Refine != nil {
			refined = in.Refine.RefinedDescription
		}
		if refined == "" && in.GeneratePrompt != nil {
			refined = in.GeneratePrompt.RefinedDescription
		}

		prompt, err := src.GeneratePrompt(ctx, item.TicketID, refined)
		if err != nil {
			return nil, fmt.Errorf("generate prompt for %s: %w", item.TicketIdentifier, err)
		}
		if prompt == "" {
			return nil, fmt.Errorf("empty prompt generated for %s", item.TicketIdentifier)
		}

		out := clonePayload(in)
		out.GeneratePrompt = &queue.GeneratePromptData{
			RefinedDescription: refined,
			Prompt:             prompt,
		}
		return out, nil
	}
}

// approvalHandler records the current approval signal. An unapproved result
// is still a completed stage: promotion into the execution queue stays gated
// on the recorded signal, and the scheduler re-polls by re-enqueueing the
// stage each tick.
func approvalHandler(src Source) pipeline.Handler {
	return func(ctx context.Context, item *queue.TicketItem) (*queue.Payload, error) {
		in, err := stageInput(item)
		if err != nil {
			return nil, err
		}

		prompt := ""
		if in.GeneratePrompt != nil {
			prompt = in.GeneratePrompt.Prompt
		}
		if prompt == "" && in.CheckResponse != nil {
			prompt = in.CheckResponse.Prompt
		}
		if prompt == "" {
			return nil, fmt.Errorf("no prompt to approve for %s", item.TicketIdentifier)
		}

		approval, err := src.Approval(ctx, item.TicketID)
		if err != nil {
			return nil, fmt.Errorf("approval check for %s: %w", item.TicketIdentifier, err)
		}

		out := clonePayload(in)
		out.CheckResponse = &queue.CheckResponseData{
			Prompt:     prompt,
			Approved:   approval.Approved,
			ApprovedAt: approval.ApprovedAt,
		}
		return out, nil
	}
}

func syncHandler(src Source) pipeline.Handler {
	return func(ctx context.Context, item *queue.TicketItem) (*queue.Payload, error) {
		in, err := stageInput(item)
		if err != nil {
			return nil, err
		}
		if in.SyncState == nil {
			return nil, fmt.Errorf("sync_state input missing outcome")
		}

		if err := src.SyncState(ctx, item.TicketID, *in.SyncState); err != nil {
			return nil, fmt.Errorf("sync state for %s: %w", item.TicketIdentifier, err)
		}
		return clonePayload(in), nil
	}
}

func stageInput(item *queue.TicketItem) (*queue.Payload, error) {
	if item.Input == nil {
		return nil, fmt.Errorf("item %d has no input payload", item.ID)
	}
	return item.Input, nil
}

// clonePayload shallow-copies a payload so handlers never mutate the stored
// input.
func clonePayload(p *queue.Payload) *queue.Payload {
	cp := *p
	return &cp
}
