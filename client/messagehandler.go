package client

import (
	"github.com/rs/zerolog"
)

// MessageHandlers defines optional callback functions for the events of a tracked prompt.
// All handlers are optional - only provide handlers for the messages you care about.
type MessageHandlers struct {
	// OnQueueStatus is called when the server reports its queue length
	OnQueueStatus func(*PromptMessageQueueStatus)

	// OnStarted is called when execution begins
	OnStarted func(*PromptMessageStarted)

	// OnExecuting is called when a node starts executing
	OnExecuting func(*PromptMessageExecuting)

	// OnProgress is called with progress updates during node execution
	OnProgress func(*PromptMessageProgress)

	// OnData is called when a node reports output files
	OnData func(*PromptMessageData)

	// OnStopped is called when execution stops (success, error, or interruption)
	OnStopped func(*PromptMessageStopped)

	// OnError is called if there was an exception during execution
	// This is called before OnStopped when an error occurs
	OnError func(*ExecutionError)
}

// DefaultMessageHandlers returns MessageHandlers that log started, executing,
// stopped and error events. Progress is left to the caller.
func DefaultMessageHandlers(logger zerolog.Logger) *MessageHandlers {
	return &MessageHandlers{
		OnQueueStatus: func(msg *PromptMessageQueueStatus) {
			logger.Debug().Int("queue_remaining", msg.QueueRemaining).Msg("Queue status")
		},
		OnStarted: func(msg *PromptMessageStarted) {
			logger.Info().Str("prompt_id", msg.PromptID).Msg("Execution started")
		},
		OnExecuting: func(msg *PromptMessageExecuting) {
			logger.Info().Str("node_id", msg.NodeID).Str("title", msg.Title).Msg("Executing node")
		},
		OnError: func(err *ExecutionError) {
			logger.Error().
				Str("node_id", err.NodeID).
				Str("node_type", err.NodeType).
				Str("error", err.ExceptionMessage).
				Msg("Execution error")
		},
		OnStopped: func(msg *PromptMessageStopped) {
			if msg.Reason == QueuedItemStoppedReasonFinished {
				logger.Info().Str("prompt_id", msg.PromptID).Msg("Execution completed successfully")
			}
		},
	}
}

// WithProgressHandler adds a progress handler (builder pattern)
func (h *MessageHandlers) WithProgressHandler(fn func(*PromptMessageProgress)) *MessageHandlers {
	h.OnProgress = fn
	return h
}

// WithDataHandler adds a data handler (builder pattern)
func (h *MessageHandlers) WithDataHandler(fn func(*PromptMessageData)) *MessageHandlers {
	h.OnData = fn
	return h
}

// WithExecutingHandler adds an executing handler (builder pattern)
func (h *MessageHandlers) WithExecutingHandler(fn func(*PromptMessageExecuting)) *MessageHandlers {
	h.OnExecuting = fn
	return h
}

// WithStoppedHandler adds a stopped handler (builder pattern)
func (h *MessageHandlers) WithStoppedHandler(fn func(*PromptMessageStopped)) *MessageHandlers {
	h.OnStopped = fn
	return h
}
