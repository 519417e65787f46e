package llmgate

import (
	"context"
	"fmt"
	"time"

	"github.com/allaspectsdev/mailcore/internal/collaborator"
	"github.com/allaspectsdev/mailcore/internal/coreerr"
)

// consume transparently handles either a buffered JSON response or an
// event-stream, returning the buffered assistant payload either way.
func (g *Gate) consume(ctx context.Context, result *collaborator.TransportResult, onToolCall func(ctx context.Context, call collaborator.ToolCall) (string, error)) (*collaborator.ChatResponse, error) {
	if result.JSON != nil {
		return result.JSON, nil
	}
	if result.Stream == nil {
		return nil, fmt.Errorf("llmgate: transport returned neither a JSON body nor a stream: %w", coreerr.ErrLLMNetwork)
	}
	return g.consumeStream(ctx, result.Stream, onToolCall)
}

// consumeStream reads events off the stream until a final event arrives,
// an error event arrives, the stream closes without a final event (an
// error), or the idle timeout elapses without any event.
func (g *Gate) consumeStream(ctx context.Context, events <-chan collaborator.StreamEvent, onToolCall func(ctx context.Context, call collaborator.ToolCall) (string, error)) (*collaborator.ChatResponse, error) {
	idle := g.idleTimeout
	if idle <= 0 {
		idle = 60 * time.Second
	}

	timer := time.NewTimer(idle)
	defer timer.Stop()

	resetTimer := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(idle)
	}

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("llmgate: %w", coreerr.ErrCancelled)

		case <-timer.C:
			return nil, fmt.Errorf("llmgate: stream idle for %s: %w", idle, coreerr.ErrLLMNetwork)

		case ev, ok := <-events:
			if !ok {
				return nil, fmt.Errorf("llmgate: stream ended without a final event: %w", coreerr.ErrLLMNetwork)
			}
			resetTimer()

			switch ev.Kind {
			case collaborator.StreamKeepalive:
				continue
			case collaborator.StreamToolStarted, collaborator.StreamToolComplete:
				if ev.ToolUse != nil && onToolCall != nil {
					if _, err := onToolCall(ctx, *ev.ToolUse); err != nil {
						g.log.Warn().Err(err).Str("tool", ev.ToolUse.Name).Msg("tool call failed mid-stream")
					}
				}
			case collaborator.StreamToolFailed:
				if ev.ToolUse != nil {
					g.log.Warn().Str("tool", ev.ToolUse.Name).Msg("tool call failed mid-stream")
				}
			case collaborator.StreamError:
				if ev.Err != nil {
					return nil, fmt.Errorf("llmgate: stream error: %w: %v", coreerr.ErrLLMNetwork, ev.Err)
				}
				return nil, fmt.Errorf("llmgate: stream error event with no detail: %w", coreerr.ErrLLMNetwork)
			case collaborator.StreamFinal:
				if ev.Final == nil {
					return nil, fmt.Errorf("llmgate: final event carried no payload: %w", coreerr.ErrLLMNetwork)
				}
				return ev.Final, nil
			}
		}
	}
}
