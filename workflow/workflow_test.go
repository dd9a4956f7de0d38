package workflow

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"image"
	"image/png"
	"math/rand/v2"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const templatePath = "../testdata/img2img_controlnet_api.json"

func loadTemplate(t *testing.T) Workflow {
	t.Helper()
	wf, err := NewWorkflowFromFile(templatePath)
	require.NoError(t, err)
	return wf
}

func TestLoadWorkflowFromJson(t *testing.T) {
	wf := loadTemplate(t)

	assert.Len(t, wf, 10)
	node, err := wf.GetNode("8")
	require.NoError(t, err)
	assert.Equal(t, "VAEDecode", node.ClassType)
	require.NotNil(t, node.Meta)
	assert.Equal(t, "VAE Decode", node.Meta.Title)

	v, ok := wf.GetInput("4", "ckpt_name")
	assert.True(t, ok)
	assert.Equal(t, "v1-5-pruned-emaonly.safetensors", v)

	assert.Equal(t, []string{"13", "14", "3", "30", "31", "4", "6", "7", "8", "9"}, wf.NodeIDs())
}

func TestLoadWorkflowRejectsEmpty(t *testing.T) {
	_, err := NewWorkflowFromJsonString("{}")
	assert.Error(t, err)

	_, err = NewWorkflowFromJsonString(`{"1": null}`)
	assert.Error(t, err)

	_, err = NewWorkflowFromJsonString(`[1, 2]`)
	assert.Error(t, err)
}

func TestSetInputMissingNode(t *testing.T) {
	wf := loadTemplate(t)

	err := wf.SetInput("99", "text", "hello")
	var missing *MissingNodeError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "99", missing.NodeID)
}

func TestCloneIsIndependent(t *testing.T) {
	wf := loadTemplate(t)

	clone, err := wf.Clone()
	require.NoError(t, err)
	require.NoError(t, clone.SetInput("6", "text", "changed"))

	v, _ := wf.GetInput("6", "text")
	assert.Equal(t, "a photo", v)
	v, _ = clone.GetInput("6", "text")
	assert.Equal(t, "changed", v)
}

func TestApplyPatchesEveryRole(t *testing.T) {
	wf := loadTemplate(t)
	roles := DefaultRoleMap()
	require.NoError(t, roles.Validate(wf))

	params := Params{
		Seed:       4242,
		Image:      "uploads/input.jpg",
		Checkpoint: "dreamshaper_8.safetensors",
		ControlNet: "control_v11p_sd15_lineart.pth",
	}
	require.NoError(t, Apply(wf, roles, params))

	expect := map[[2]string]interface{}{
		{"6", "text"}:              DefaultPositivePrompt,
		{"7", "text"}:              DefaultNegativePrompt,
		{"3", "seed"}:              int64(4242),
		{"13", "image"}:            "uploads/input.jpg",
		{"4", "ckpt_name"}:         "dreamshaper_8.safetensors",
		{"31", "control_net_name"}: "control_v11p_sd15_lineart.pth",
	}
	for k, want := range expect {
		got, ok := wf.GetInput(k[0], k[1])
		assert.True(t, ok, "%s.%s", k[0], k[1])
		assert.Equal(t, want, got, "%s.%s", k[0], k[1])
	}

	// links survive patching
	v, _ := wf.GetInput("3", "model")
	assert.Equal(t, []interface{}{"4", float64(0)}, v)

	// the seed goes out as a JSON integer
	data, err := json.Marshal(wf)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"seed":4242`)
}

func TestApplyPromptOverrides(t *testing.T) {
	wf := loadTemplate(t)
	require.NoError(t, Apply(wf, DefaultRoleMap(), Params{Positive: "a cat", Negative: "a dog", Seed: 1}))

	v, _ := wf.GetInput("6", "text")
	assert.Equal(t, "a cat", v)
	v, _ = wf.GetInput("7", "text")
	assert.Equal(t, "a dog", v)
}

func TestApplyMissingNode(t *testing.T) {
	wf := loadTemplate(t)
	delete(wf, "31")

	err := Apply(wf, DefaultRoleMap(), Params{Seed: 1})
	var missing *MissingNodeError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "31", missing.NodeID)
}

func TestNewSeedRange(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 10000; i++ {
		s := NewSeed(rng)
		if s < 1 || s > MaxSeed {
			t.Fatalf("seed %d out of range", s)
		}
	}

	s := NewSeed(nil)
	assert.GreaterOrEqual(t, s, int64(1))
	assert.LessOrEqual(t, s, int64(MaxSeed))
}

func TestValidateReportsAllMissingRoles(t *testing.T) {
	wf := loadTemplate(t)
	delete(wf, "13")
	delete(wf, "8")

	roles := DefaultRoleMap()
	delete(roles, RoleCheckpoint)

	err := roles.Validate(wf)
	var roleErr *RoleError
	require.ErrorAs(t, err, &roleErr)
	assert.Len(t, roleErr.Problems, 3)
	assert.Contains(t, err.Error(), `role image: node "13" not found`)
	assert.Contains(t, err.Error(), `role output: node "8" not found`)
	assert.Contains(t, err.Error(), "role checkpoint is not bound to a node")
}

func TestParseRoleMap(t *testing.T) {
	roles, err := ParseRoleMap([]byte(`
seed:
  node: "10"
  input: noise_seed
output:
  node: "20"
positive:
  node: "11"
`))
	require.NoError(t, err)

	assert.Equal(t, Binding{Node: "10", Input: "noise_seed"}, roles[RoleSeed])
	assert.Equal(t, Binding{Node: "11", Input: "text"}, roles[RolePositive])
	assert.Equal(t, "20", roles.OutputNode())
	// untouched roles keep their defaults
	assert.Equal(t, DefaultRoleMap()[RoleControlNet], roles[RoleControlNet])
}

func TestParseRoleMapUnknownRole(t *testing.T) {
	_, err := ParseRoleMap([]byte("vae:\n  node: \"2\"\n"))
	assert.Error(t, err)
}

func TestLoadRoleMapFile(t *testing.T) {
	path := t.TempDir() + "/roles.yaml"
	require.NoError(t, os.WriteFile(path, []byte("output:\n  node: \"9\"\n"), 0644))

	roles, err := LoadRoleMap(path)
	require.NoError(t, err)
	assert.Equal(t, "9", roles.OutputNode())

	_, err = LoadRoleMap(t.TempDir() + "/missing.yaml")
	assert.Error(t, err)
}

// pngWithText encodes a tiny image and inserts a tEXt chunk before IEND
func pngWithText(t *testing.T, keyword, text string) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 2, 2))))
	data := buf.Bytes()
	iend := len(data) - 12

	payload := append([]byte(keyword), 0)
	payload = append(payload, []byte(text)...)

	var chunk bytes.Buffer
	_ = binary.Write(&chunk, binary.BigEndian, uint32(len(payload)))
	chunk.WriteString("tEXt")
	chunk.Write(payload)
	_ = binary.Write(&chunk, binary.BigEndian, crc32.ChecksumIEEE(append([]byte("tEXt"), payload...)))

	out := append([]byte{}, data[:iend]...)
	out = append(out, chunk.Bytes()...)
	return append(out, data[iend:]...)
}

func TestLoadWorkflowFromPNG(t *testing.T) {
	raw, err := os.ReadFile(templatePath)
	require.NoError(t, err)

	path := t.TempDir() + "/ComfyUI_00001_.png"
	require.NoError(t, os.WriteFile(path, pngWithText(t, "prompt", string(raw)), 0644))

	wf, err := NewWorkflowFromFile(path)
	require.NoError(t, err)
	assert.NoError(t, DefaultRoleMap().Validate(wf))
}

func TestLoadWorkflowFromPNGWithoutPrompt(t *testing.T) {
	_, err := NewWorkflowFromPNGReader(bytes.NewReader(pngWithText(t, "workflow", "{}")))
	assert.ErrorContains(t, err, "prompt metadata")

	_, err = NewWorkflowFromPNGReader(bytes.NewReader([]byte("definitely not a png")))
	assert.Error(t, err)
}

func TestGetPngMetadata(t *testing.T) {
	meta, err := GetPngMetadata(bytes.NewReader(pngWithText(t, "parameters", "steps: 20")))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"parameters": "steps: 20"}, meta)
}
