// Package llmgate is the single choke point through which every LLM call
// in the core passes. It enforces a global concurrency cap, retries
// network-class failures with jittered exponential backoff, throttles
// indefinitely on 429s, drives one re-authentication round on 401/403,
// and transparently consumes either a buffered JSON response or an
// event-stream.
//
// The retry/backoff/jitter and Retry-After handling are grounded on the
// reference proxy's retry package; the stream consumption loop is
// grounded on the reference SSE reader and streaming accumulator.
package llmgate

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/allaspectsdev/mailcore/internal/collaborator"
	"github.com/allaspectsdev/mailcore/internal/coreerr"

	"github.com/rs/zerolog"
)

// ThrottleHook lets the caller surface a user-visible "waiting" status
// while the gate is sleeping through a 429 throttle loop.
type ThrottleHook interface {
	ThrottleStart()
	ThrottleEnd()
}

// Options configure a single call.
type Options struct {
	// IgnoreSemaphore bypasses the global concurrency permit. Used by
	// fast-path UI requests, recursive tool-loop turns, and background
	// KB updates that must not be starved by UI flurries.
	IgnoreSemaphore bool
	// NoRetry disables the retry loop, used for recursive calls inside
	// a tool loop to avoid compound re-execution of committed tool
	// effects.
	NoRetry bool
	// Stream requests an event-stream response instead of a buffered one.
	Stream bool
	// OnToolCall is invoked for each tool use surfaced mid-call (stream
	// tool events, or buffered tool calls in ChatWithTools).
	OnToolCall func(ctx context.Context, call collaborator.ToolCall) (string, error)
}

// Gate is the LLM call gate (C4).
type Gate struct {
	transport collaborator.LLMTransport
	auth      collaborator.Auth
	privacy   collaborator.Privacy
	throttle  ThrottleHook

	sem *semaphore.Weighted

	maxRetries  int
	baseDelay   time.Duration
	maxDelay    time.Duration
	idleTimeout time.Duration

	log zerolog.Logger
}

// New constructs a Gate. throttle may be nil.
func New(transport collaborator.LLMTransport, auth collaborator.Auth, privacy collaborator.Privacy, throttle ThrottleHook, maxWorkers, maxRetries int, baseDelay, maxDelay, idleTimeout time.Duration, log zerolog.Logger) *Gate {
	return &Gate{
		transport:   transport,
		auth:        auth,
		privacy:     privacy,
		throttle:    throttle,
		sem:         semaphore.NewWeighted(int64(maxWorkers)),
		maxRetries:  maxRetries,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		idleTimeout: idleTimeout,
		log:         log.With().Str("component", "llmgate").Logger(),
	}
}

// Chat performs a single-shot call and returns the assistant's text.
func (g *Gate) Chat(ctx context.Context, model string, messages []collaborator.ChatMessage, opts Options) (string, error) {
	resp, err := g.ChatRaw(ctx, model, messages, opts)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// ChatRaw performs a single-shot call and returns the full response object.
func (g *Gate) ChatRaw(ctx context.Context, model string, messages []collaborator.ChatMessage, opts Options) (*collaborator.ChatResponse, error) {
	return g.call(ctx, model, messages, opts)
}

// ChatWithTools drives a multi-turn tool loop: every tool call surfaced by
// the model is executed via onToolCall, the result appended as a new
// message, and the call repeated (with IgnoreSemaphore and NoRetry, to
// avoid deadlocking with the outer caller's permit and to avoid
// re-executing already-committed tool effects) until the model returns a
// response with no further tool calls.
func (g *Gate) ChatWithTools(ctx context.Context, model string, messages []collaborator.ChatMessage, onToolCall func(ctx context.Context, call collaborator.ToolCall) (string, error), opts Options) (*collaborator.ChatResponse, error) {
	opts.OnToolCall = onToolCall

	resp, err := g.call(ctx, model, messages, opts)
	if err != nil {
		return nil, err
	}

	turns := append([]collaborator.ChatMessage(nil), messages...)
	for len(resp.ToolCalls) > 0 {
		for _, tc := range resp.ToolCalls {
			result, terr := onToolCall(ctx, tc)
			if terr != nil {
				result = fmt.Sprintf("tool error: %v", terr)
			}
			turns = append(turns, collaborator.ChatMessage{Role: "tool", Content: result})
		}

		recursiveOpts := opts
		recursiveOpts.IgnoreSemaphore = true
		recursiveOpts.NoRetry = true

		resp, err = g.call(ctx, model, turns, recursiveOpts)
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func (g *Gate) call(ctx context.Context, model string, messages []collaborator.ChatMessage, opts Options) (*collaborator.ChatResponse, error) {
	// Every call gets its own request ID so retry/throttle/reauth log lines
	// for the same underlying call can be correlated with each other.
	reqLog := g.log.With().Str("request_id", uuid.New().String()).Str("model", model).Logger()

	if g.privacy != nil && g.privacy.Blocked() {
		return nil, coreerr.ErrPrivacyBlocked
	}

	if !opts.IgnoreSemaphore {
		if err := g.sem.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("llmgate: acquire permit: %w", coreerr.ErrCancelled)
		}
		defer g.sem.Release(1)
	}

	bearer, err := g.auth.AccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("llmgate: access token: %w", coreerr.ErrAuth)
	}

	maxRetries := g.maxRetries
	if opts.NoRetry {
		maxRetries = 0
	}

	attempt := 0
	throttleAttempt := 0
	reauthed := false
	throttling := false

	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("llmgate: %w", coreerr.ErrCancelled)
		}

		result, sendErr := g.transport.Send(ctx, model, messages, bearer, opts.Stream)
		if sendErr != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("llmgate: %w", coreerr.ErrCancelled)
			}
			if attempt >= maxRetries {
				return nil, fmt.Errorf("llmgate: send: %w: %v", coreerr.ErrLLMNetwork, sendErr)
			}
			reqLog.Warn().Err(sendErr).Int("attempt", attempt).Msg("transport send failed, retrying")
			if err := sleepWithContext(ctx, backoffDelay(attempt, g.baseDelay, g.maxDelay)); err != nil {
				return nil, fmt.Errorf("llmgate: %w", coreerr.ErrCancelled)
			}
			attempt++
			continue
		}

		switch {
		case result.StatusCode == 429:
			if g.throttle != nil && !throttling {
				g.throttle.ThrottleStart()
				throttling = true
			}
			reqLog.Warn().Int("throttle_attempt", throttleAttempt).Msg("rate limited, backing off")
			retryAfter := result.RetryAfterSecs
			if retryAfter <= 0 {
				retryAfter = 1
			}
			delaySecs := math.Min(retryAfter*math.Pow(1.5, float64(throttleAttempt)), 5.0)
			if err := sleepWithContext(ctx, time.Duration(delaySecs*float64(time.Second))); err != nil {
				return nil, fmt.Errorf("llmgate: %w", coreerr.ErrCancelled)
			}
			throttleAttempt++
			continue

		case g.auth.IsAuthError(result.StatusCode):
			if reauthed {
				return nil, fmt.Errorf("llmgate: auth rejected after reauth: %w", coreerr.ErrAuth)
			}
			reqLog.Warn().Int("status", result.StatusCode).Msg("auth rejected, reauthenticating")
			newBearer, rErr := g.auth.Reauthenticate(ctx)
			if rErr != nil {
				return nil, fmt.Errorf("llmgate: reauthenticate: %w", coreerr.ErrAuth)
			}
			bearer = newBearer
			reauthed = true
			continue

		case isRetryableStatus(result.StatusCode):
			if attempt >= maxRetries {
				return nil, fmt.Errorf("llmgate: status %d after %d attempts: %w", result.StatusCode, attempt, coreerr.ErrLLMNetwork)
			}
			if err := sleepWithContext(ctx, backoffDelay(attempt, g.baseDelay, g.maxDelay)); err != nil {
				return nil, fmt.Errorf("llmgate: %w", coreerr.ErrCancelled)
			}
			attempt++
			continue
		}

		if throttling && g.throttle != nil {
			g.throttle.ThrottleEnd()
		}

		return g.consume(ctx, result, opts.OnToolCall)
	}
}

func isRetryableStatus(statusCode int) bool {
	switch statusCode {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return statusCode >= 500
	}
}

func backoffDelay(attempt int, base, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	exp := math.Pow(2, float64(attempt))
	delay := time.Duration(float64(base) * exp)
	if delay > maxDelay {
		delay = maxDelay
	}
	if delay > 0 {
		delay = time.Duration(rand.Int63n(int64(delay)))
	}
	return delay
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
