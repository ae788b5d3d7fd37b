// Package protocol holds the subjects and JSON payloads exchanged on the bus.
package protocol

import "time"

const (
	SubjectUtterance  = "assistant.utterance"
	SubjectTranscript = "assistant.transcript"
	SubjectOutcome    = "assistant.outcome"

	// request/reply
	SubjectClassify      = "assistant.classify"
	SubjectActionsUpdate = "assistant.actions.update"

	SubjectDevicePrefix = "device"
)

// UtteranceEvent is published when the segmenter closes an utterance.
type UtteranceEvent struct {
	UtteranceID string    `json:"utterance_id"`
	Frames      int       `json:"frames"`
	PreRoll     int       `json:"pre_roll"`
	SampleRate  int       `json:"sample_rate"`
	DurationMS  int64     `json:"duration_ms"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
	DumpPath    string    `json:"dump_path,omitempty"`
}

// TranscriptEvent carries the recognised text of an utterance.
type TranscriptEvent struct {
	UtteranceID string    `json:"utterance_id"`
	Text        string    `json:"text"`
	Language    string    `json:"language,omitempty"`
	Confidence  float64   `json:"confidence,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// OutcomeEvent reports the classification and what the assistant did.
type OutcomeEvent struct {
	UtteranceID  string    `json:"utterance_id,omitempty"`
	Text         string    `json:"text"`
	Outcome      string    `json:"outcome"`
	Action       string    `json:"action,omitempty"`
	Strategy     string    `json:"strategy"`
	Error        string    `json:"error,omitempty"`
	HandlerError string    `json:"handler_error,omitempty"`
	Feedback     string    `json:"feedback,omitempty"`
	LatencyMS    int64     `json:"latency_ms"`
	Timestamp    time.Time `json:"timestamp"`
}

// ClassifyRequest asks a node to classify text without running handlers.
type ClassifyRequest struct {
	Text string `json:"text"`
}

type ClassifyResponse struct {
	Outcome string `json:"outcome"`
	Action  string `json:"action,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ActionsUpdateResponse acknowledges a catalog replacement.
type ActionsUpdateResponse struct {
	Actions []string `json:"actions,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// DeviceCommand is the payload of a publish handler when the catalog entry
// asks for a structured message rather than a raw payload.
type DeviceCommand struct {
	Action    string    `json:"action"`
	Payload   string    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

func DeviceSubject(feed string) string {
	return SubjectDevicePrefix + "." + feed
}
