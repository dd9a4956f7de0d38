package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-errors/errors"
	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"

	"github.com/richinsley/comfyrun/client"
	"github.com/richinsley/comfyrun/internal/config"
	"github.com/richinsley/comfyrun/internal/logger"
	"github.com/richinsley/comfyrun/internal/runner"
)

type options struct {
	job   runner.Job
	debug bool
}

// process CLI arguments. Unset optional flags keep the configured defaults.
func procCLI(cfg *config.Config) options {
	var o options
	flag.StringVar(&o.job.ImagePath, "image_path", "", "Path to the source image (required)")
	flag.StringVar(&o.job.CheckpointPath, "checkpoint_path", "", "Checkpoint model file name on the server (required)")
	flag.StringVar(&o.job.ControlNetPath, "controlnet_path", "", "ControlNet model file name on the server (required)")
	flag.StringVar(&o.job.WorkflowPath, "json_path", "", "Path to the API format workflow JSON, or a PNG saved by ComfyUI (required)")
	flag.StringVar(&o.job.Positive, "positive", "", "Positive prompt (defaults to the Van Gogh style prompt)")
	flag.StringVar(&o.job.Negative, "negative", "", "Negative prompt")
	flag.Int64Var(&o.job.Seed, "seed", 0, "Sampler seed, 0 for a random seed")
	flag.StringVar(&o.job.RolesPath, "roles", cfg.RolesPath, "YAML file mapping roles to workflow nodes")
	flag.StringVar(&o.job.OutputDir, "output", cfg.OutputDir, "Directory the images are written to")
	flag.BoolVar(&o.debug, "debug", false, "Print a stack trace when the run fails")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of %s:\n", os.Args[0])
		fmt.Printf("  %s --image_path IMG --checkpoint_path CKPT --controlnet_path CN --json_path WORKFLOW [OPTIONS]\n", os.Args[0])
		fmt.Println("\nOptions:")
		flag.PrintDefaults()
		fmt.Printf("\nThe server and timeouts are read from %s_* environment variables or a .env file.\n", config.Prefix)
	}
	flag.Parse()

	var missing []string
	for _, f := range []struct{ name, value string }{
		{"image_path", o.job.ImagePath},
		{"checkpoint_path", o.job.CheckpointPath},
		{"controlnet_path", o.job.ControlNetPath},
		{"json_path", o.job.WorkflowPath},
	} {
		if f.value == "" {
			missing = append(missing, "--"+f.name)
		}
	}
	if len(missing) > 0 {
		fmt.Fprintf(os.Stderr, "missing required flags: %s\n", strings.Join(missing, ", "))
		flag.Usage()
		os.Exit(2)
	}
	if o.job.Seed < 0 {
		fmt.Fprintln(os.Stderr, "--seed must not be negative")
		flag.Usage()
		os.Exit(2)
	}
	return o
}

// progressHandlers adds a progress bar per sampling node to the logging handlers
func progressHandlers(log zerolog.Logger) *client.MessageHandlers {
	var bar *progressbar.ProgressBar
	var currentNodeTitle string

	handlers := client.DefaultMessageHandlers(log)
	onExecuting := handlers.OnExecuting
	return handlers.
		WithExecutingHandler(func(m *client.PromptMessageExecuting) {
			if bar != nil {
				_ = bar.Finish()
				bar = nil
			}
			// store the node's title so we can use it in the progress bar
			currentNodeTitle = m.Title
			onExecuting(m)
		}).
		WithProgressHandler(func(m *client.PromptMessageProgress) {
			if bar == nil {
				bar = progressbar.Default(int64(m.Max), currentNodeTitle)
			}
			_ = bar.Set(m.Value)
		})
}

func run(ctx context.Context, cfg *config.Config, o options, log zerolog.Logger) (*runner.Result, error) {
	c := client.NewComfyClient(cfg.Address,
		client.WithSecure(cfg.Secure),
		client.WithTimeout(cfg.RequestTimeout),
		client.WithDialRetry(cfg.DialRetry),
		client.WithLogger(log),
	)
	log.Debug().Str("client_id", c.ClientID()).Str("address", c.ServerAddress()).Msg("Client created")

	r := runner.New(c, log, cfg.MaxWait)
	r.Handlers = progressHandlers(log)

	res, err := r.Run(ctx, o.job)
	if err != nil {
		return res, errors.Wrap(err, 1)
	}
	return res, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error loading configuration:", err)
		os.Exit(1)
	}
	o := procCLI(cfg)

	log, err := logger.New(cfg.Log, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error creating logger:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := run(ctx, cfg, o, log)
	if err != nil {
		ev := log.Error().Err(err)
		if res != nil && res.PromptID != "" {
			ev = ev.Str("prompt_id", res.PromptID)
		}
		ev.Msg("Run failed")

		var stack *errors.Error
		if o.debug && errors.As(err, &stack) {
			fmt.Fprintln(os.Stderr, stack.ErrorStack())
		}
		stop()
		os.Exit(1)
	}

	for _, f := range res.Files {
		fmt.Println(f)
	}
}
