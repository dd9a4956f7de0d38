package workflow

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Workflow is a ComfyUI job graph in API format, keyed by node id.
// It is the value that is enqueued under the "prompt" key of a /prompt request.
type Workflow map[string]*Node

// Node is a single step of a Workflow
type Node struct {
	// Inputs can be one of:
	//	float64
	//	string
	//	bool
	//	[]interface{} where: [0] is string of the source node id
	//					     [1] is float64 (int) of the output slot index
	Inputs    map[string]interface{} `json:"inputs"`
	ClassType string                 `json:"class_type"`
	Meta      *NodeMeta              `json:"_meta,omitempty"`
}

type NodeMeta struct {
	Title string `json:"title"`
}

// MissingNodeError is returned when a node id is not present in a Workflow
type MissingNodeError struct {
	NodeID string
}

func (e *MissingNodeError) Error() string {
	return fmt.Sprintf("workflow has no node with id %q", e.NodeID)
}

// NewWorkflowFromJsonReader decodes an API format workflow read from an io.Reader
func NewWorkflowFromJsonReader(r io.Reader) (Workflow, error) {
	wf := make(Workflow)
	if err := json.NewDecoder(r).Decode(&wf); err != nil {
		return nil, fmt.Errorf("decoding workflow: %w", err)
	}
	if len(wf) == 0 {
		return nil, fmt.Errorf("workflow contains no nodes")
	}
	for id, n := range wf {
		if n == nil {
			return nil, fmt.Errorf("workflow node %q is null", id)
		}
		if n.Inputs == nil {
			n.Inputs = make(map[string]interface{})
		}
	}
	return wf, nil
}

// NewWorkflowFromJsonString decodes an API format workflow from a string
func NewWorkflowFromJsonString(s string) (Workflow, error) {
	return NewWorkflowFromJsonReader(strings.NewReader(s))
}

// NewWorkflowFromPNGReader extracts the API format workflow that ComfyUI embeds in
// the "prompt" tEXt chunk of the images it saves.
func NewWorkflowFromPNGReader(r io.Reader) (Workflow, error) {
	metadata, err := GetPngMetadata(r)
	if err != nil {
		return nil, err
	}

	prompt, ok := metadata["prompt"]
	if !ok {
		return nil, fmt.Errorf("png does not contain prompt metadata")
	}
	return NewWorkflowFromJsonString(prompt)
}

// NewWorkflowFromFile loads a workflow from a JSON file, or from a PNG file produced by ComfyUI
func NewWorkflowFromFile(path string) (Workflow, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	if strings.EqualFold(filepath.Ext(path), ".png") {
		return NewWorkflowFromPNGReader(file)
	}
	return NewWorkflowFromJsonReader(file)
}

// GetNode returns the node with the given id, or a *MissingNodeError
func (w Workflow) GetNode(id string) (*Node, error) {
	n, ok := w[id]
	if !ok || n == nil {
		return nil, &MissingNodeError{NodeID: id}
	}
	return n, nil
}

// SetInput sets a named input value on the node with the given id
func (w Workflow) SetInput(id string, name string, value interface{}) error {
	n, err := w.GetNode(id)
	if err != nil {
		return err
	}
	if n.Inputs == nil {
		n.Inputs = make(map[string]interface{})
	}
	n.Inputs[name] = value
	return nil
}

// GetInput returns a named input value of a node
func (w Workflow) GetInput(id string, name string) (interface{}, bool) {
	n, ok := w[id]
	if !ok || n == nil {
		return nil, false
	}
	v, ok := n.Inputs[name]
	return v, ok
}

// NodeIDs returns the node ids in a stable order
func (w Workflow) NodeIDs() []string {
	ids := make([]string, 0, len(w))
	for id := range w {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clone returns a deep copy of the workflow so a template can be patched more than once
func (w Workflow) Clone() (Workflow, error) {
	data, err := json.Marshal(w)
	if err != nil {
		return nil, err
	}
	return NewWorkflowFromJsonReader(strings.NewReader(string(data)))
}
