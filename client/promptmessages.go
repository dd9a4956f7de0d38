package client

type QueuedItemStoppedReason string

const (
	QueuedItemStoppedReasonFinished    QueuedItemStoppedReason = "finished"
	QueuedItemStoppedReasonInterrupted QueuedItemStoppedReason = "interrupted"
	QueuedItemStoppedReasonError       QueuedItemStoppedReason = "error"
)

// our cast of characters:
// queue status
// started
// executing
// progress
// data
// stopped

type PromptMessageQueueStatus struct {
	QueueRemaining int
}

type PromptMessageStarted struct {
	PromptID string
}

type PromptMessageExecuting struct {
	NodeID string
	Title  string
}

type PromptMessageProgress struct {
	NodeID string
	Max    int
	Value  int
}

type PromptMessageData struct {
	NodeID string
	Images []DataOutput
}

type PromptMessageStopped struct {
	PromptID  string
	Reason    QueuedItemStoppedReason
	Exception *ExecutionError
}
