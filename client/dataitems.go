package client

import (
	"errors"
	"fmt"
)

// DataOutput references a file stored by the server (an artifact reference)
type DataOutput struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

type SystemStats struct {
	System  System `json:"system"`
	Devices []GPU  `json:"devices"`
}

type System struct {
	OS             string `json:"os"`
	PythonVersion  string `json:"python_version"`
	EmbeddedPython bool   `json:"embedded_python"`
	ComfyUIVersion string `json:"comfyui_version"`
}

type GPU struct {
	Name             string `json:"name"`
	Type             string `json:"type"`
	Index            int    `json:"index"`
	VRAM_Total       int64  `json:"vram_total"`
	VRAM_Free        int64  `json:"vram_free"`
	Torch_VRAM_Total int64  `json:"torch_vram_total"`
	Torch_VRAM_Free  int64  `json:"torch_vram_free"`
}

// NodeOutput is the recorded output of one node in a history entry
type NodeOutput struct {
	Images []DataOutput `json:"images,omitempty"`
}

type HistoryStatus struct {
	StatusStr string `json:"status_str"`
	Completed bool   `json:"completed"`
}

// PromptHistoryItem is the /history/{prompt_id} record of one prompt
type PromptHistoryItem struct {
	PromptID string                `json:"-"`
	Outputs  map[string]NodeOutput `json:"outputs"`
	Status   HistoryStatus         `json:"status"`
}

// UploadResult is what the server stored for an uploaded image
type UploadResult struct {
	Name      string `json:"name"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// Path is the value a LoadImage node expects for the uploaded file
func (u *UploadResult) Path() string {
	if u.Subfolder != "" {
		return u.Subfolder + "/" + u.Name
	}
	return u.Name
}

// UploadError is returned when the server rejects an upload
type UploadError struct {
	StatusCode int
	Status     string
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload rejected: %s", e.Status)
}

type PromptErrorDetail struct {
	Type      string                 `json:"type"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details"`
	ExtraInfo map[string]interface{} `json:"extra_info"`
}

// PromptError is returned when the server refuses to queue a prompt.
//
//	{"error": {"type": "prompt_no_outputs",
//				"message": "Prompt has no outputs",
//				"details": "",
//				"extra_info": {}
//			  },
//	 "node_errors": {}
//	}
type PromptError struct {
	StatusCode int                    `json:"-"`
	Detail     PromptErrorDetail      `json:"error"`
	NodeErrors map[string]interface{} `json:"node_errors"`
}

func (e *PromptError) Error() string {
	if e.Detail.Details != "" {
		return fmt.Sprintf("prompt rejected (%s): %s: %s", e.Detail.Type, e.Detail.Message, e.Detail.Details)
	}
	return fmt.Sprintf("prompt rejected (%s): %s", e.Detail.Type, e.Detail.Message)
}

// ExecutionError reports an exception raised by a node while the server ran the prompt
type ExecutionError struct {
	PromptID         string
	NodeID           string
	NodeType         string
	ExceptionMessage string
	ExceptionType    string
	Traceback        []string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution failed at node %s (%s): %s - %s", e.NodeID, e.NodeType, e.ExceptionType, e.ExceptionMessage)
}

var (
	// ErrOutputNotObserved means the prompt finished without the output node producing images
	ErrOutputNotObserved = errors.New("output node produced no images")
	// ErrInterrupted means the server reported the prompt as interrupted
	ErrInterrupted = errors.New("execution interrupted")
	// ErrConnectionClosed means the websocket closed before the prompt finished
	ErrConnectionClosed = errors.New("websocket closed before prompt finished")
)
