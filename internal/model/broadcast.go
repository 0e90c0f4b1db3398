package model

import "encoding/json"

// BroadcastType discriminates the shape of a live broadcast.
type BroadcastType string

const (
	BroadcastMessage        BroadcastType = "message"
	BroadcastMessageUpdated BroadcastType = "messageUpdated"
	BroadcastDelta          BroadcastType = "delta"
	BroadcastBlockEnd       BroadcastType = "blockEnd"
	BroadcastCitations      BroadcastType = "citations"
	// BroadcastRunEvent mirrors a record appended to a run's event log.
	BroadcastRunEvent BroadcastType = "runEvent"
)

// Citation is one source reference attached to a message.
type Citation struct {
	Title   string `json:"title,omitempty"`
	URL     string `json:"url,omitempty"`
	Snippet string `json:"snippet,omitempty"`
	Index   int    `json:"index,omitempty"`
}

// Broadcast is one live, non-durable event pushed to hub subscribers.
// Only message, messageUpdated and runEvent broadcasts carry Seq.
type Broadcast struct {
	ChannelID    string          `json:"channelId"`
	Type         BroadcastType   `json:"type"`
	Seq          *int64          `json:"seq,omitempty"`
	MessageID    string          `json:"messageId,omitempty"`
	DeltaContent string          `json:"deltaContent,omitempty"`
	BlockID      string          `json:"blockId,omitempty"`
	IsFirstChunk bool            `json:"isFirstChunk,omitempty"`
	Citations    []Citation      `json:"citations,omitempty"`
	Message      json.RawMessage `json:"message,omitempty"`
	Event        *RunEventRecord `json:"event,omitempty"`
}

// RunChannel returns the hub channel carrying live events of one run.
func RunChannel(kind, runID string) string {
	return "run:" + kind + ":" + runID
}
