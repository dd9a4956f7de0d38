package workflow

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Role names a field of the workflow that is filled in at run time
type Role string

const (
	RolePositive   Role = "positive"
	RoleNegative   Role = "negative"
	RoleSeed       Role = "seed"
	RoleImage      Role = "image"
	RoleCheckpoint Role = "checkpoint"
	RoleControlNet Role = "controlnet"
	RoleOutput     Role = "output"
)

// AllRoles lists every role a RoleMap must bind
var AllRoles = []Role{
	RolePositive,
	RoleNegative,
	RoleSeed,
	RoleImage,
	RoleCheckpoint,
	RoleControlNet,
	RoleOutput,
}

// Binding locates a role inside a workflow: the node id, and the input on that node.
// The output role only uses Node.
type Binding struct {
	Node  string `yaml:"node"`
	Input string `yaml:"input,omitempty"`
}

// RoleMap maps each role to the node (and input) that carries it
type RoleMap map[Role]Binding

// DefaultRoleMap matches the node numbering of the stock img2img controlnet template:
//
//	3 KSampler, 4 CheckpointLoaderSimple, 6/7 CLIPTextEncode, 8 VAEDecode,
//	13 LoadImage, 31 ControlNetLoader
func DefaultRoleMap() RoleMap {
	return RoleMap{
		RolePositive:   {Node: "6", Input: "text"},
		RoleNegative:   {Node: "7", Input: "text"},
		RoleSeed:       {Node: "3", Input: "seed"},
		RoleImage:      {Node: "13", Input: "image"},
		RoleCheckpoint: {Node: "4", Input: "ckpt_name"},
		RoleControlNet: {Node: "31", Input: "control_net_name"},
		RoleOutput:     {Node: "8"},
	}
}

var defaultInputs = map[Role]string{
	RolePositive:   "text",
	RoleNegative:   "text",
	RoleSeed:       "seed",
	RoleImage:      "image",
	RoleCheckpoint: "ckpt_name",
	RoleControlNet: "control_net_name",
}

// LoadRoleMap reads a YAML role map. Roles absent from the file keep their
// default binding, and a binding without an input uses the role's default input.
//
//	positive:
//	  node: "6"
//	seed:
//	  node: "3"
//	  input: noise_seed
func LoadRoleMap(path string) (RoleMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading role map: %w", err)
	}
	return ParseRoleMap(data)
}

// ParseRoleMap decodes YAML role map data on top of DefaultRoleMap
func ParseRoleMap(data []byte) (RoleMap, error) {
	var file map[string]Binding
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("error parsing role map: %w", err)
	}

	roles := DefaultRoleMap()
	for name, b := range file {
		role := Role(strings.ToLower(strings.TrimSpace(name)))
		if _, known := roles[role]; !known {
			return nil, fmt.Errorf("unknown role %q in role map", name)
		}
		if b.Input == "" {
			b.Input = defaultInputs[role]
		}
		roles[role] = b
	}
	return roles, nil
}

// RoleError lists every role that could not be resolved against a workflow
type RoleError struct {
	Problems []string
}

func (e *RoleError) Error() string {
	return "workflow does not match role map: " + strings.Join(e.Problems, "; ")
}

// Validate checks that every role is bound and that the bound node exists in the workflow.
// All problems are reported together.
func (m RoleMap) Validate(w Workflow) error {
	var problems []string
	for _, role := range AllRoles {
		b, ok := m[role]
		if !ok || b.Node == "" {
			problems = append(problems, fmt.Sprintf("role %s is not bound to a node", role))
			continue
		}
		if role != RoleOutput && b.Input == "" {
			problems = append(problems, fmt.Sprintf("role %s has no input name", role))
		}
		if _, err := w.GetNode(b.Node); err != nil {
			problems = append(problems, fmt.Sprintf("role %s: node %q not found", role, b.Node))
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return &RoleError{Problems: problems}
	}
	return nil
}

// OutputNode returns the node id whose images are collected
func (m RoleMap) OutputNode() string {
	return m[RoleOutput].Node
}
