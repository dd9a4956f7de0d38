package client

import (
	"encoding/json"

	"github.com/rs/zerolog"
)

// TrackerState is the lifecycle of a tracked prompt as seen from the client
type TrackerState int

const (
	StateConnected TrackerState = iota
	StateAwaitingCompletion
	StateOutputSighted
	StateCompleted
	StateHistoryFetched
	StateImagesRetrieved
	StateFailed
)

func (s TrackerState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAwaitingCompletion:
		return "awaiting_completion"
	case StateOutputSighted:
		return "output_sighted"
	case StateCompleted:
		return "completed"
	case StateHistoryFetched:
		return "history_fetched"
	case StateImagesRetrieved:
		return "images_retrieved"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Tracker follows the websocket events of one prompt. It finishes when the server
// reports an "executing" event with a null node for the tracked prompt, and it
// records whether the output node reported its results before that.
type Tracker struct {
	PromptID   string
	OutputNode string

	state      TrackerState
	outputSeen bool
	workflow   map[string]string // node id -> title
	handlers   *MessageHandlers
	logger     zerolog.Logger
	err        error
}

// NewTracker creates a tracker in the Connected state
func NewTracker(outputNode string, handlers *MessageHandlers, logger zerolog.Logger) *Tracker {
	if handlers == nil {
		handlers = &MessageHandlers{}
	}
	return &Tracker{
		OutputNode: outputNode,
		state:      StateConnected,
		handlers:   handlers,
		logger:     logger,
	}
}

// Track binds the tracker to a queued prompt and starts waiting for its completion
func (t *Tracker) Track(item *QueueItem) {
	t.PromptID = item.PromptID
	t.workflow = make(map[string]string)
	for id, n := range item.Workflow {
		if n != nil && n.Meta != nil {
			t.workflow[id] = n.Meta.Title
		}
	}
	t.state = StateAwaitingCompletion
}

func (t *Tracker) State() TrackerState {
	return t.state
}

// OutputObserved reports whether the output node reported results for the tracked prompt
func (t *Tracker) OutputObserved() bool {
	return t.outputSeen
}

// Err is the error that moved the tracker to StateFailed
func (t *Tracker) Err() error {
	return t.err
}

// Done reports whether the tracker has reached a terminal wait state
func (t *Tracker) Done() bool {
	return t.state >= StateCompleted
}

func (t *Tracker) fail(err error) {
	t.state = StateFailed
	t.err = err
}

func (t *Tracker) advance(to TrackerState) {
	if t.state == StateFailed || to <= t.state {
		return
	}
	t.state = to
}

// events without a prompt id (progress on older servers) are assumed to be ours
func (t *Tracker) ours(promptID string) bool {
	return promptID == "" || promptID == t.PromptID
}

func (t *Tracker) sightOutput(node string) {
	if node != t.OutputNode {
		return
	}
	t.outputSeen = true
	t.advance(StateOutputSighted)
}

func (t *Tracker) title(node string) string {
	if title, ok := t.workflow[node]; ok && title != "" {
		return title
	}
	return node
}

// Handle processes one text frame. It returns done once the tracked prompt has
// finished or failed; err is set when it failed.
func (t *Tracker) Handle(raw []byte) (done bool, err error) {
	if t.Done() {
		return true, t.err
	}

	message := &WSStatusMessage{}
	if err := json.Unmarshal(raw, message); err != nil {
		t.logger.Error().Err(err).Msg("Deserializing Status Message")
		return false, nil
	}

	switch message.Type {
	case "status":
		s := message.Data.(*WSMessageDataStatus)
		if t.handlers.OnQueueStatus != nil {
			t.handlers.OnQueueStatus(&PromptMessageQueueStatus{QueueRemaining: s.Status.ExecInfo.QueueRemaining})
		}
	case "execution_start":
		s := message.Data.(*WSMessageDataExecutionStart)
		if s.PromptID == t.PromptID && t.handlers.OnStarted != nil {
			t.handlers.OnStarted(&PromptMessageStarted{PromptID: s.PromptID})
		}
	case "execution_cached":
		s := message.Data.(*WSMessageDataExecutionCached)
		if s.PromptID == t.PromptID {
			t.logger.Debug().Strs("nodes", s.Nodes).Msg("Cached nodes")
		}
	case "executing":
		s := message.Data.(*WSMessageDataExecuting)
		if s.PromptID != t.PromptID {
			return false, nil
		}
		if s.Node == nil {
			// final node was processed
			t.advance(StateCompleted)
			if t.handlers.OnStopped != nil {
				t.handlers.OnStopped(&PromptMessageStopped{PromptID: t.PromptID, Reason: QueuedItemStoppedReasonFinished})
			}
			return true, nil
		}
		if t.handlers.OnExecuting != nil {
			t.handlers.OnExecuting(&PromptMessageExecuting{NodeID: *s.Node, Title: t.title(*s.Node)})
		}
	case "progress":
		s := message.Data.(*WSMessageDataProgress)
		if t.ours(s.PromptID) && t.handlers.OnProgress != nil {
			t.handlers.OnProgress(&PromptMessageProgress{NodeID: s.Node, Value: s.Value, Max: s.Max})
		}
	case "executed":
		s := message.Data.(*WSMessageDataExecuted)
		if !t.ours(s.PromptID) {
			return false, nil
		}
		if t.handlers.OnData != nil {
			t.handlers.OnData(&PromptMessageData{NodeID: s.Node, Images: s.Output.Images})
		}
		t.sightOutput(s.Node)
	case "output":
		s := message.Data.(*WSMessageDataOutput)
		if t.ours(s.PromptID) {
			t.sightOutput(s.Node)
		}
	case "execution_success":
		s := message.Data.(*WSMessageExecutionSuccess)
		if s.PromptID == t.PromptID {
			t.logger.Debug().Str("prompt_id", s.PromptID).Msg("Execution success")
		}
	case "execution_interrupted":
		s := message.Data.(*WSMessageExecutionInterrupted)
		if s.PromptID != t.PromptID {
			return false, nil
		}
		t.fail(ErrInterrupted)
		if t.handlers.OnStopped != nil {
			t.handlers.OnStopped(&PromptMessageStopped{PromptID: t.PromptID, Reason: QueuedItemStoppedReasonInterrupted})
		}
		return true, t.err
	case "execution_error":
		s := message.Data.(*WSMessageExecutionError)
		if s.PromptID != t.PromptID {
			return false, nil
		}
		exception := &ExecutionError{
			PromptID:         s.PromptID,
			NodeID:           s.Node,
			NodeType:         s.NodeType,
			ExceptionMessage: s.ExceptionMessage,
			ExceptionType:    s.ExceptionType,
			Traceback:        s.Traceback,
		}
		t.fail(exception)
		if t.handlers.OnError != nil {
			t.handlers.OnError(exception)
		}
		if t.handlers.OnStopped != nil {
			t.handlers.OnStopped(&PromptMessageStopped{PromptID: t.PromptID, Reason: QueuedItemStoppedReasonError, Exception: exception})
		}
		return true, t.err
	case "crystools.monitor":
	default:
		t.logger.Debug().Str("type", message.Type).Msg("Unhandled message type")
	}
	return false, nil
}
