// Package runner drives one generation from a source image to saved PNGs:
// validate, upload, patch, connect, submit and wait, fetch, persist.
package runner

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"

	"github.com/richinsley/comfyrun/client"
	"github.com/richinsley/comfyrun/output"
	"github.com/richinsley/comfyrun/workflow"
)

// Job is the input of a single run
type Job struct {
	ImagePath      string
	WorkflowPath   string // API format JSON, or a PNG produced by ComfyUI
	CheckpointPath string
	ControlNetPath string

	Positive string // empty uses workflow.DefaultPositivePrompt
	Negative string // empty uses workflow.DefaultNegativePrompt
	Seed     int64  // 0 draws a random seed

	RolesPath string // empty uses workflow.DefaultRoleMap
	OutputDir string
}

// Result describes a finished run
type Result struct {
	PromptID string
	Seed     int64
	Files    []string
}

type Runner struct {
	Client   *client.ComfyClient
	Logger   zerolog.Logger
	MaxWait  time.Duration
	Handlers *client.MessageHandlers
	// Rand draws seeds; nil uses the global source
	Rand *rand.Rand
}

func New(c *client.ComfyClient, logger zerolog.Logger, maxWait time.Duration) *Runner {
	return &Runner{
		Client:   c,
		Logger:   logger,
		MaxWait:  maxWait,
		Handlers: client.DefaultMessageHandlers(logger),
	}
}

// Run executes job. Configuration problems with the workflow or role map are
// reported before anything is sent to the server, and a failed upload aborts
// the run before a prompt is queued.
func (r *Runner) Run(ctx context.Context, job Job) (*Result, error) {
	wf, err := workflow.NewWorkflowFromFile(job.WorkflowPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow: %w", err)
	}

	roles := workflow.DefaultRoleMap()
	if job.RolesPath != "" {
		if roles, err = workflow.LoadRoleMap(job.RolesPath); err != nil {
			return nil, err
		}
	}
	if err := roles.Validate(wf); err != nil {
		return nil, err
	}
	outputNode := roles.OutputNode()

	stats, err := r.Client.GetSystemStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("server %s is not reachable: %w", r.Client.ServerAddress(), err)
	}
	r.Logger.Debug().
		Str("os", stats.System.OS).
		Str("python", stats.System.PythonVersion).
		Int("devices", len(stats.Devices)).
		Msg("Connected to server")

	uploaded, err := r.Client.UploadFileFromPath(ctx, job.ImagePath, true, client.InputImageType, "")
	if err != nil {
		return nil, fmt.Errorf("failed to upload %s: %w", job.ImagePath, err)
	}
	r.Logger.Info().Str("path", uploaded.Path()).Msg("Uploaded source image")

	seed := job.Seed
	if seed == 0 {
		seed = workflow.NewSeed(r.Rand)
	}
	err = workflow.Apply(wf, roles, workflow.Params{
		Positive:   job.Positive,
		Negative:   job.Negative,
		Seed:       seed,
		Image:      uploaded.Path(),
		Checkpoint: job.CheckpointPath,
		ControlNet: job.ControlNetPath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to patch workflow: %w", err)
	}

	conn, err := r.Client.Connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	waitCtx := ctx
	if r.MaxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, r.MaxWait)
		defer cancel()
	}

	res, err := r.Client.GetImages(waitCtx, conn, wf, outputNode, r.Handlers)
	result := &Result{Seed: seed}
	if res != nil {
		result.PromptID = res.PromptID
	}
	if err != nil {
		return result, err
	}

	files, err := output.Save(job.OutputDir, outputNode, seed, res.Images[outputNode])
	result.Files = files
	if err != nil {
		return result, err
	}
	r.Logger.Info().Str("prompt_id", result.PromptID).Int64("seed", seed).Strs("files", files).Msg("Saved images")
	return result, nil
}
