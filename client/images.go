package client

import (
	"context"
	"fmt"
	"time"

	"github.com/richinsley/comfyrun/workflow"
)

// interruptTimeout bounds the best effort interrupt sent after the wait is abandoned
const interruptTimeout = 5 * time.Second

// GenerationResult is the outcome of GetImages
type GenerationResult struct {
	PromptID string
	State    TrackerState
	// Images maps the output node id to the raw bytes of each of its images
	Images map[string][][]byte
}

// GetImages queues wf, blocks on conn until the server reports the prompt
// finished, then downloads every image the output node recorded in the prompt's
// history.
//
// If ctx ends first the server is asked to interrupt the prompt and the context
// error is returned. If the output node never reported results the error is
// ErrOutputNotObserved. The result is non-nil whenever the prompt was queued.
func (c *ComfyClient) GetImages(ctx context.Context, conn *WebSocketConnection, wf workflow.Workflow, outputNode string, handlers *MessageHandlers) (*GenerationResult, error) {
	tracker := NewTracker(outputNode, handlers, c.logger)

	item, err := c.QueuePrompt(ctx, wf)
	if err != nil {
		return nil, fmt.Errorf("failed to queue prompt: %w", err)
	}
	tracker.Track(item)
	c.logger.Info().Str("prompt_id", item.PromptID).Int("number", item.Number).Msg("Prompt queued")

	result := &GenerationResult{PromptID: item.PromptID}
	defer func() {
		result.State = tracker.State()
	}()

	if err := c.WaitForCompletion(ctx, conn, tracker); err != nil {
		if ctx.Err() != nil {
			c.interruptAbandoned(ctx, item.PromptID)
		}
		return result, err
	}

	images, err := c.collectImages(ctx, tracker)
	if err != nil {
		return result, err
	}
	result.Images = images
	return result, nil
}

// WaitForCompletion feeds websocket frames to the tracker until it is done,
// ctx ends, or the connection closes.
func (c *ComfyClient) WaitForCompletion(ctx context.Context, conn *WebSocketConnection, tracker *Tracker) error {
	for {
		select {
		case <-ctx.Done():
			tracker.fail(ctx.Err())
			return fmt.Errorf("waiting for prompt %s: %w", tracker.PromptID, ctx.Err())
		case msg, ok := <-conn.Messages:
			if !ok {
				err := fmt.Errorf("%w: %v", ErrConnectionClosed, conn.Err())
				tracker.fail(err)
				return err
			}
			done, err := tracker.Handle(msg)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

func (c *ComfyClient) collectImages(ctx context.Context, tracker *Tracker) (map[string][][]byte, error) {
	if !tracker.OutputObserved() {
		return nil, fmt.Errorf("node %s: %w", tracker.OutputNode, ErrOutputNotObserved)
	}

	history, err := c.GetPromptHistory(ctx, tracker.PromptID)
	if err != nil {
		return nil, fmt.Errorf("fetching history: %w", err)
	}
	tracker.advance(StateHistoryFetched)

	nodeOutput, ok := history.Outputs[tracker.OutputNode]
	if !ok || len(nodeOutput.Images) == 0 {
		return nil, fmt.Errorf("node %s missing from history: %w", tracker.OutputNode, ErrOutputNotObserved)
	}

	images := make([][]byte, 0, len(nodeOutput.Images))
	for _, ref := range nodeOutput.Images {
		data, err := c.GetImage(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("failed to get image: %w", err)
		}
		images = append(images, data)
	}
	tracker.advance(StateImagesRetrieved)

	return map[string][][]byte{tracker.OutputNode: images}, nil
}

func (c *ComfyClient) interruptAbandoned(ctx context.Context, promptID string) {
	ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), interruptTimeout)
	defer cancel()
	if err := c.Interrupt(ictx, promptID); err != nil {
		c.logger.Warn().Err(err).Str("prompt_id", promptID).Msg("failed to interrupt abandoned prompt")
		return
	}
	c.logger.Warn().Str("prompt_id", promptID).Msg("interrupted abandoned prompt")
}
