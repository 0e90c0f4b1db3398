package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/alfredjeanlab/runstream/internal/model"
)

// EchoKind is the kind served by EchoExecutor.
const EchoKind = "echo"

// EchoInput is the input accepted by EchoExecutor.
type EchoInput struct {
	Text string `json:"text"`
	// DelayMs is the pause between chunks.
	DelayMs int `json:"delay_ms,omitempty"`
	// Fail makes the run fail with code "echo_failed" after streaming.
	Fail string `json:"fail,omitempty"`
	// Citations are attached to the message as sources.
	Citations []string `json:"citations,omitempty"`
}

// EchoExecutor streams its input text back one word at a time. It exercises
// every part of the envelope and serves as a smoke test for deployments.
type EchoExecutor struct{}

func (EchoExecutor) Execute(ctx context.Context, run *Run) error {
	var in EchoInput
	if raw := run.Input(); len(raw) > 0 {
		if err := json.Unmarshal(raw, &in); err != nil {
			return NewCodedError("invalid_input", err.Error())
		}
	}
	meta := run.Meta()
	messageID := meta.AssistantMessageID
	delay := time.Duration(in.DelayMs) * time.Millisecond

	var sb strings.Builder
	for i, word := range strings.Fields(in.Text) {
		if i > 0 {
			if err := pause(ctx, delay); err != nil {
				return err
			}
			word = " " + word
		}
		sb.WriteString(word)
		if _, err := run.Emit(ctx, "delta", map[string]string{"text": word}); err != nil {
			return err
		}
		run.Delta(messageID, "b0", word, i == 0)
	}
	run.BlockEnd(messageID, "b0")
	if len(in.Citations) > 0 {
		cites := make([]model.Citation, len(in.Citations))
		for i, u := range in.Citations {
			cites[i] = model.Citation{URL: u, Index: i + 1}
		}
		run.Citations(messageID, cites)
	}

	text := sb.String()
	if err := run.Snapshot(ctx, map[string]string{"text": text}); err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	if meta.AssistantSeq > 0 && messageID != "" {
		msg, _ := json.Marshal(map[string]string{"id": messageID, "role": "assistant", "text": text})
		run.Message(meta.AssistantSeq, messageID, msg)
	}
	if _, err := run.Emit(ctx, "message", map[string]string{"text": text}); err != nil {
		return err
	}
	if in.Fail != "" {
		return NewCodedError("echo_failed", in.Fail)
	}
	return nil
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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

var _ Executor = EchoExecutor{}
