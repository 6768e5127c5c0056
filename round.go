package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// RoundState is the position of a deliberation round in its state machine:
// Stage1 -> Stage2 -> Stage3 -> Done, with Errored reachable from any stage.
type RoundState int

const (
	RoundStage1 RoundState = iota
	RoundStage2
	RoundStage3
	RoundDone
	RoundErrored
)

// String returns the string representation of the round state.
func (s RoundState) String() string {
	switch s {
	case RoundStage1:
		return "stage1"
	case RoundStage2:
		return "stage2"
	case RoundStage3:
		return "stage3"
	case RoundDone:
		return "done"
	case RoundErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s RoundState) Terminal() bool {
	return s == RoundDone || s == RoundErrored
}

// canTransition lists the legal moves of the round state machine.
func (s RoundState) canTransition(next RoundState) bool {
	if s.Terminal() {
		return false
	}
	if next == RoundErrored {
		return true
	}
	return next == s+1
}

// RoundResult is everything one deliberation round produced.
type RoundResult struct {
	ID       string           `json:"id"`
	State    RoundState       `json:"-"`
	Stage1   []Stage1Response `json:"stage1"`
	Stage2   []Stage2Ranking  `json:"stage2"`
	Stage3   Stage3Response   `json:"stage3"`
	Metadata Metadata         `json:"metadata"`
	Title    string           `json:"title,omitempty"`
}

// Response converts the result into the API response shape.
func (r *RoundResult) Response() SendMessageResponse {
	return SendMessageResponse{
		Stage1:   r.Stage1,
		Stage2:   r.Stage2,
		Stage3:   r.Stage3,
		Metadata: r.Metadata,
	}
}

// EventSink receives round milestones in order.
type EventSink interface {
	Write(event Event) error
}

// discardSink drops every event.
type discardSink struct{}

func (discardSink) Write(Event) error { return nil }

// round tracks one deliberation and the first delivery failure.
type round struct {
	result  *RoundResult
	sink    EventSink
	logger  *slog.Logger
	sinkErr error
}

func newRound(sink EventSink, logger *slog.Logger) *round {
	if sink == nil {
		sink = discardSink{}
	}
	id := uuid.New().String()
	return &round{
		result: &RoundResult{
			ID:     id,
			State:  RoundStage1,
			Stage1: []Stage1Response{},
			Stage2: []Stage2Ranking{},
			Metadata: Metadata{
				LabelToModel:      map[string]string{},
				AggregateRankings: []AggregateRanking{},
			},
		},
		sink:   sink,
		logger: logger.With("round_id", id),
	}
}

// advance moves the round to next. Illegal moves are programming errors and
// are logged rather than applied.
func (r *round) advance(next RoundState) {
	current := r.result.State
	if !current.canTransition(next) {
		r.logger.Error("illegal round transition", "from", current.String(), "to", next.String())
		return
	}
	r.result.State = next
	r.logger.Debug("round transition", "from", current.String(), "to", next.String())
}

// emit delivers an event. The round keeps going after a delivery failure;
// the first one is reported when the round ends.
func (r *round) emit(event Event) {
	if err := r.sink.Write(event); err != nil && r.sinkErr == nil {
		r.logger.Warn("failed to deliver event", "type", event.EventType(), "error", err)
		r.sinkErr = fmt.Errorf("failed to deliver %s event: %w", event.EventType(), err)
	}
}

// runStages drives stages 1-3 and publishes their milestones to sink.
func (c *Council) runStages(ctx context.Context, userQuery string, sink EventSink) (*RoundResult, error) {
	r := newRound(sink, c.logger)
	c.stages(ctx, r, userQuery)
	return r.result, r.sinkErr
}

func (c *Council) stages(ctx context.Context, r *round, userQuery string) {
	// Stage 1
	r.emit(Stage1Start{})
	stage1 := c.Stage1CollectResponses(ctx, userQuery)
	r.result.Stage1 = stage1
	r.emit(Stage1Complete{Data: stage1})

	if len(stage1) == 0 {
		r.logger.Error("all council models failed to respond")
		r.result.Stage3 = AllModelsFailed()
		r.advance(RoundErrored)
		return
	}
	r.advance(RoundStage2)

	// Stage 2
	r.emit(Stage2Start{})
	stage2, labelToModel := c.Stage2CollectRankings(ctx, userQuery, stage1)
	r.result.Stage2 = stage2
	r.result.Metadata = Metadata{
		LabelToModel:      labelToModel,
		AggregateRankings: CalculateAggregateRankings(stage2, labelToModel),
	}
	r.emit(Stage2Complete{Data: stage2, Metadata: r.result.Metadata})
	r.advance(RoundStage3)

	// Stage 3
	r.emit(Stage3Start{})
	r.result.Stage3 = c.Stage3SynthesizeFinal(ctx, userQuery, stage1, stage2)
	r.emit(Stage3Complete{Data: r.result.Stage3})
	r.advance(RoundDone)

	r.logger.Info("round complete",
		"answers", len(stage1),
		"rankings", len(stage2),
		"synthesis_model", r.result.Stage3.Model,
	)
}

type titleResult struct {
	title     string
	generated bool
}

// RunRound runs one full round for a stored conversation: it records the
// user turn, deliberates, generates a title for a first message alongside the
// stages, persists the assistant turn and emits every milestone to sink.
//
// Storage failures abort the round and are returned. Event delivery failures
// do not stop the round; the first one is returned together with the result
// once everything has been persisted.
func (c *Council) RunRound(ctx context.Context, store ConversationStore, conversationID, content string, sink EventSink) (*RoundResult, error) {
	conversation, err := store.GetConversation(conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	if conversation == nil {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}

	isFirstMessage := len(conversation.Messages) == 0

	if err := store.AddUserMessage(conversationID, content); err != nil {
		return nil, fmt.Errorf("failed to add user message: %w", err)
	}

	// Title generation overlaps the stages and is joined before persistence.
	var titleChan chan titleResult
	if isFirstMessage {
		titleChan = make(chan titleResult, 1)
		go func() {
			title, generated := c.TitleOrDefault(ctx, content)
			titleChan <- titleResult{title: title, generated: generated}
		}()
	}

	r := newRound(sink, c.logger.With("conversation_id", conversationID))
	c.stages(ctx, r, content)
	result := r.result

	if titleChan != nil {
		tr := <-titleChan
		result.Title = tr.title
		if err := store.UpdateConversationTitle(conversationID, tr.title); err != nil {
			return result, fmt.Errorf("failed to update title: %w", err)
		}
		if tr.generated {
			r.emit(TitleComplete{Title: tr.title})
		}
	}

	if err := store.AddAssistantMessage(conversationID, result.Stage1, result.Stage2, result.Stage3); err != nil {
		return result, fmt.Errorf("failed to save message: %w", err)
	}

	if result.State == RoundErrored {
		r.emit(ErrorEvent{Message: result.Stage3.Response})
	} else {
		r.emit(Complete{})
	}

	return result, r.sinkErr
}
