package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/meridianlabs/quotagate/internal/route"
	"github.com/meridianlabs/quotagate/internal/stream"
)

// LoopbackInvoker is the built-in executor used when no real generation
// backend is configured: it renders the template variables back as output,
// streaming token events for the stream worker and returning a single JSON
// document for the structured worker. It honors the full Invoker contract
// (intermediate events only, context cancellation) so every admission,
// billing, and streaming path can be exercised end to end.
type LoopbackInvoker struct {
	// TokenDelay paces stream output. Zero emits as fast as readers allow.
	TokenDelay time.Duration
}

func (l *LoopbackInvoker) Invoke(ctx context.Context, task Task, decision route.Decision, ch *stream.Channel) (Outcome, error) {
	ch.Publish(stream.Event{
		Type:    stream.TypeStatus,
		TaskID:  task.TaskID,
		Payload: stream.StatusPayload{Code: "generating"},
	})
	ch.Publish(stream.Event{
		Type:    stream.TypeDebug,
		TaskID:  task.TaskID,
		Payload: stream.DebugPayload{Message: "backend=" + decision.ResourceID},
	})

	text := renderVariables(task)
	if decision.WorkerKind == route.WorkerStructured {
		doc, err := json.Marshal(map[string]any{
			"template_id": task.TemplateID,
			"variables":   task.Variables,
			"text":        text,
		})
		if err != nil {
			return Outcome{}, fmt.Errorf("render structured result: %w", err)
		}
		return Outcome{
			Result:       string(doc),
			InputTokens:  int64(len(task.Variables)),
			OutputTokens: int64(len(doc)),
		}, nil
	}

	words := strings.Fields(text)
	for _, word := range words {
		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		default:
		}
		ch.Publish(stream.Event{
			Type:    stream.TypeToken,
			TaskID:  task.TaskID,
			Payload: stream.TokenPayload{Text: word + " "},
		})
		if l.TokenDelay > 0 {
			select {
			case <-ctx.Done():
				return Outcome{}, ctx.Err()
			case <-time.After(l.TokenDelay):
			}
		}
	}
	return Outcome{
		Result:       text,
		InputTokens:  int64(len(task.Variables)),
		OutputTokens: int64(len(words)),
	}, nil
}

func renderVariables(task Task) string {
	if len(task.Variables) == 0 {
		return "template " + task.TemplateID + " produced no output"
	}
	parts := make([]string, 0, len(task.Variables))
	for k, v := range task.Variables {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, " ")
}
