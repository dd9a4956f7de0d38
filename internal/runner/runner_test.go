package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richinsley/comfyrun/client"
	"github.com/richinsley/comfyrun/internal/comfystub"
	"github.com/richinsley/comfyrun/workflow"
)

const templatePath = "../../testdata/img2img_controlnet_api.json"

type harness struct {
	stub     *comfystub.Server
	runner   *Runner
	requests atomic.Int32
	dir      string
}

func newHarness(t *testing.T, opts comfystub.Options) *harness {
	t.Helper()
	h := &harness{stub: comfystub.New(opts), dir: t.TempDir()}

	counted := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		h.requests.Add(1)
		h.stub.Handler().ServeHTTP(w, req)
	})
	srv := httptest.NewServer(counted)
	t.Cleanup(func() {
		srv.Close()
		h.stub.Wait()
	})

	c := client.NewComfyClient(strings.TrimPrefix(srv.URL, "http://"), client.WithTimeout(5*time.Second), client.WithDialRetry(0))
	h.runner = New(c, zerolog.Nop(), 10*time.Second)
	return h
}

// writeJPEG writes a 512x512 gradient, the size of a typical SD 1.5 input
func (h *harness) writeJPEG(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 512, 512))
	for y := 0; y < 512; y++ {
		for x := 0; x < 512; x++ {
			img.Set(x, y, color.RGBA{uint8(x / 2), 90, uint8(y / 2), 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))

	path := filepath.Join(h.dir, "starry.jpg")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
	return path
}

func (h *harness) job(t *testing.T) Job {
	return Job{
		ImagePath:      h.writeJPEG(t),
		WorkflowPath:   templatePath,
		CheckpointPath: "dreamshaper_8.safetensors",
		ControlNetPath: "control_v11p_sd15_canny.pth",
		OutputDir:      filepath.Join(h.dir, "output"),
	}
}

func TestRunEndToEnd(t *testing.T) {
	canned := comfystub.DefaultOutputImage()
	h := newHarness(t, comfystub.Options{OutputImage: canned})
	h.runner.Rand = rand.New(rand.NewPCG(1, 2))
	job := h.job(t)

	res, err := h.runner.Run(context.Background(), job)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.Seed, int64(1))
	assert.LessOrEqual(t, res.Seed, int64(workflow.MaxSeed))

	entries, err := os.ReadDir(job.OutputDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	want := filepath.Join(job.OutputDir, "8-"+strconv.FormatInt(res.Seed, 10)+".png")
	assert.Equal(t, []string{want}, res.Files)

	written, err := os.ReadFile(want)
	require.NoError(t, err)
	assert.Equal(t, canned, written)

	prompts := h.stub.Prompts()
	require.Len(t, prompts, 1)
	p := prompts[0]
	assert.Equal(t, res.PromptID, p.PromptID)
	assert.Equal(t, float64(res.Seed), p.Prompt["3"].Inputs["seed"])
	assert.Equal(t, "starry.jpg", p.Prompt["13"].Inputs["image"])
	assert.Equal(t, "dreamshaper_8.safetensors", p.Prompt["4"].Inputs["ckpt_name"])
	assert.Equal(t, "control_v11p_sd15_canny.pth", p.Prompt["31"].Inputs["control_net_name"])
	assert.Equal(t, workflow.DefaultPositivePrompt, p.Prompt["6"].Inputs["text"])
	assert.Equal(t, workflow.DefaultNegativePrompt, p.Prompt["7"].Inputs["text"])

	uploaded, ok := h.stub.Uploaded("input", "", "starry.jpg")
	require.True(t, ok)
	source, err := os.ReadFile(job.ImagePath)
	require.NoError(t, err)
	assert.Equal(t, source, uploaded)
}

func TestRunFixedSeedAndPrompts(t *testing.T) {
	h := newHarness(t, comfystub.Options{})
	job := h.job(t)
	job.Seed = 4242
	job.Positive = "a lighthouse at dusk"
	job.Negative = "people"

	res, err := h.runner.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, int64(4242), res.Seed)
	assert.Equal(t, []string{filepath.Join(job.OutputDir, "8-4242.png")}, res.Files)

	p := h.stub.Prompts()[0]
	assert.Equal(t, "a lighthouse at dusk", p.Prompt["6"].Inputs["text"])
	assert.Equal(t, "people", p.Prompt["7"].Inputs["text"])
}

func TestRunUploadFailureSubmitsNothing(t *testing.T) {
	h := newHarness(t, comfystub.Options{UploadStatus: http.StatusInternalServerError})
	job := h.job(t)

	_, err := h.runner.Run(context.Background(), job)
	var uploadErr *client.UploadError
	require.ErrorAs(t, err, &uploadErr)
	assert.Equal(t, http.StatusInternalServerError, uploadErr.StatusCode)

	assert.Empty(t, h.stub.Prompts())
	_, statErr := os.Stat(job.OutputDir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunMissingRoleNodeFailsBeforeNetwork(t *testing.T) {
	h := newHarness(t, comfystub.Options{})
	job := h.job(t)

	wf, err := workflow.NewWorkflowFromFile(templatePath)
	require.NoError(t, err)
	delete(wf, "31")
	data, err := json.Marshal(wf)
	require.NoError(t, err)
	job.WorkflowPath = filepath.Join(h.dir, "no_controlnet.json")
	require.NoError(t, os.WriteFile(job.WorkflowPath, data, 0644))

	_, err = h.runner.Run(context.Background(), job)
	var roleErr *workflow.RoleError
	require.ErrorAs(t, err, &roleErr)
	assert.Contains(t, err.Error(), `"31"`)
	assert.Zero(t, h.requests.Load())
}

func TestRunCustomRoleMap(t *testing.T) {
	h := newHarness(t, comfystub.Options{})
	job := h.job(t)
	job.RolesPath = filepath.Join(h.dir, "roles.yaml")
	// the stub reports node 8, so waiting on 9 never sees the output
	require.NoError(t, os.WriteFile(job.RolesPath, []byte("output:\n  node: \"9\"\n"), 0644))

	res, err := h.runner.Run(context.Background(), job)
	assert.True(t, errors.Is(err, client.ErrOutputNotObserved))
	require.NotNil(t, res)
	assert.NotEmpty(t, res.PromptID)
	assert.Empty(t, res.Files)
}

func TestRunExecutionError(t *testing.T) {
	h := newHarness(t, comfystub.Options{FailNode: "3"})

	_, err := h.runner.Run(context.Background(), h.job(t))
	var execErr *client.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "KSampler", execErr.NodeType)
}

func TestRunMaxWait(t *testing.T) {
	h := newHarness(t, comfystub.Options{Hold: true})
	h.runner.MaxWait = 300 * time.Millisecond

	res, err := h.runner.Run(context.Background(), h.job(t))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	require.NotNil(t, res)
	assert.Equal(t, []string{res.PromptID}, h.stub.Interrupts())
}

func TestRunServerUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	r := New(client.NewComfyClient(addr, client.WithTimeout(time.Second)), zerolog.Nop(), time.Second)
	h := &harness{dir: t.TempDir()}
	_, err := r.Run(context.Background(), h.job(t))
	assert.Error(t, err)
}
