package main

import (
	"context"
	"log/slog"
	"time"
)

// endpointName prefixes every breaker and cache key issued by the gateway.
const endpointName = "openrouter"

// QueryOptions tune a single Gateway query.
type QueryOptions struct {
	// Timeout bounds each attempt.
	Timeout time.Duration
	// UseCache serves and stores the answer through the answer pool.
	UseCache bool
}

// ModelQuerier is what the council pipeline needs from the call layer.
type ModelQuerier interface {
	Query(ctx context.Context, model string, messages []OpenRouterMessage, opts QueryOptions) (ModelResponse, error)
}

// GatewayStatus is a snapshot of the call layer for the status endpoint.
type GatewayStatus struct {
	Breakers  []BreakerStatus `json:"breakers"`
	Answers   CacheStats      `json:"answer_cache"`
	Coalescer CoalescerStats  `json:"coalescer"`
}

// Gateway layers request coalescing, the answer cache and the resilient
// caller over a ModelClient, in that order.
type Gateway struct {
	client    ModelClient
	caller    *ResilientCaller
	coalescer *RequestCoalescer[ModelResponse]
	answers   *ResponseCache[ModelResponse]
	logger    *slog.Logger
}

// NewGateway wires the call layer. answers may be nil to disable caching.
func NewGateway(client ModelClient, caller *ResilientCaller, answers *ResponseCache[ModelResponse], logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		client:    client,
		caller:    caller,
		coalescer: NewRequestCoalescer(ModelResponse.Clone),
		answers:   answers,
		logger:    logger.With("component", "gateway"),
	}
}

// BreakerKey identifies the logical endpoint used for model.
func BreakerKey(model string) string {
	return endpointName + ":" + model
}

// Query sends messages to model through the full call layer. Failures come
// back as errors and mean "no answer"; they never panic past this point.
func (g *Gateway) Query(ctx context.Context, model string, messages []OpenRouterMessage, opts QueryOptions) (ModelResponse, error) {
	endpoint := BreakerKey(model)
	key := RequestKey(endpoint, messages)

	resp, shared, err := g.coalescer.Do(ctx, key, func(ctx context.Context) (ModelResponse, error) {
		if opts.UseCache && g.answers != nil {
			if cached, ok := g.answers.Get(key); ok {
				g.logger.Debug("answer cache hit", "model", model)
				return cached, nil
			}
		}

		var result ModelResponse
		err := g.caller.Call(ctx, endpoint, opts.Timeout, func(ctx context.Context) error {
			r, err := g.client.Send(ctx, model, messages)
			if err != nil {
				return err
			}
			result = r
			return nil
		})
		if err != nil {
			return ModelResponse{}, err
		}

		if opts.UseCache && g.answers != nil {
			g.answers.Set(key, result.Clone())
		}
		return result, nil
	})
	if shared {
		g.logger.Debug("joined in-flight request", "model", model)
	}
	return resp, err
}

// Status reports breaker states and cache/coalescer counters.
func (g *Gateway) Status() GatewayStatus {
	status := GatewayStatus{
		Breakers:  g.caller.Snapshot(),
		Coalescer: g.coalescer.Stats(),
	}
	if g.answers != nil {
		status.Answers = g.answers.Stats()
	}
	return status
}
