package main

import (
	"bytes"
	"fmt"

	"github.com/gin-contrib/sse"
	"github.com/goccy/go-json"
)

// Event types as they appear in the "type" field of each SSE payload.
const (
	EventStage1Start    = "stage1_start"
	EventStage1Complete = "stage1_complete"
	EventStage2Start    = "stage2_start"
	EventStage2Complete = "stage2_complete"
	EventStage3Start    = "stage3_start"
	EventStage3Complete = "stage3_complete"
	EventTitleComplete  = "title_complete"
	EventComplete       = "complete"
	EventError          = "error"
)

// Event is a round milestone. The set of implementations is closed: every
// type below, and nothing outside this file.
type Event interface {
	EventType() string
	isEvent()
}

type Stage1Start struct{}

type Stage1Complete struct {
	Data []Stage1Response
}

type Stage2Start struct{}

type Stage2Complete struct {
	Data     []Stage2Ranking
	Metadata Metadata
}

type Stage3Start struct{}

type Stage3Complete struct {
	Data Stage3Response
}

type TitleComplete struct {
	Title string
}

type Complete struct{}

// ErrorEvent ends a stream; nothing follows it.
type ErrorEvent struct {
	Message string
}

func (Stage1Start) EventType() string    { return EventStage1Start }
func (Stage1Complete) EventType() string { return EventStage1Complete }
func (Stage2Start) EventType() string    { return EventStage2Start }
func (Stage2Complete) EventType() string { return EventStage2Complete }
func (Stage3Start) EventType() string    { return EventStage3Start }
func (Stage3Complete) EventType() string { return EventStage3Complete }
func (TitleComplete) EventType() string  { return EventTitleComplete }
func (Complete) EventType() string       { return EventComplete }
func (ErrorEvent) EventType() string     { return EventError }

func (Stage1Start) isEvent()    {}
func (Stage1Complete) isEvent() {}
func (Stage2Start) isEvent()    {}
func (Stage2Complete) isEvent() {}
func (Stage3Start) isEvent()    {}
func (Stage3Complete) isEvent() {}
func (TitleComplete) isEvent()  {}
func (Complete) isEvent()       {}
func (ErrorEvent) isEvent()     {}

// eventPayload is the JSON body of one SSE frame.
type eventPayload struct {
	Type     string    `json:"type"`
	Data     any       `json:"data,omitempty"`
	Metadata *Metadata `json:"metadata,omitempty"`
	Message  string    `json:"message,omitempty"`
}

// titleData is the data object of a title_complete event.
type titleData struct {
	Title string `json:"title"`
}

// payloadFor maps an event onto its wire shape.
func payloadFor(event Event) (eventPayload, error) {
	payload := eventPayload{Type: event.EventType()}

	switch e := event.(type) {
	case Stage1Start, Stage2Start, Stage3Start, Complete:
	case Stage1Complete:
		payload.Data = nonNilSlice(e.Data)
	case Stage2Complete:
		payload.Data = nonNilSlice(e.Data)
		metadata := e.Metadata
		payload.Metadata = &metadata
	case Stage3Complete:
		payload.Data = e.Data
	case TitleComplete:
		payload.Data = titleData{Title: e.Title}
	case ErrorEvent:
		payload.Message = e.Message
	default:
		return eventPayload{}, fmt.Errorf("unknown event type %T", event)
	}

	return payload, nil
}

// nonNilSlice keeps empty stages rendering as [] rather than being omitted.
func nonNilSlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// MarshalEvent returns the JSON payload of an event.
func MarshalEvent(event Event) ([]byte, error) {
	payload, err := payloadFor(event)
	if err != nil {
		return nil, err
	}
	return json.Marshal(payload)
}

// EncodeSSE renders an event as one Server-Sent Events frame.
func EncodeSSE(event Event) ([]byte, error) {
	data, err := MarshalEvent(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal SSE event: %w", err)
	}

	var buf bytes.Buffer
	if err := sse.Encode(&buf, sse.Event{Data: string(data)}); err != nil {
		return nil, fmt.Errorf("failed to encode SSE event: %w", err)
	}
	return buf.Bytes(), nil
}
