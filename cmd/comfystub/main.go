package main

import (
	"bytes"
	"flag"
	"fmt"
	"image"
	"os"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"

	"github.com/richinsley/comfyrun/internal/comfystub"
)

// process CLI arguments
func procCLI() (string, comfystub.Options, string) {
	address := flag.String("address", "127.0.0.1:8188", "Address to listen on")
	outputNode := flag.String("output_node", "8", "Node id that reports the generated image")
	outputImage := flag.String("output_image", "", "Image served as the generated output (defaults to a solid 64x64 PNG)")
	failNode := flag.String("fail_node", "", "Raise an execution error at this node")
	legacy := flag.Bool("legacy_output", false, "Report the output node with the legacy \"output\" frame")
	skip := flag.Bool("skip_output", false, "Finish prompts without the output node reporting images")
	hold := flag.Bool("hold", false, "Never finish prompts")
	uploadStatus := flag.Int("upload_status", 0, "Fail every upload with this HTTP status")
	flag.Parse()

	opts := comfystub.Options{
		OutputNode:        *outputNode,
		FailNode:          *failNode,
		LegacyOutputFrame: *legacy,
		SkipOutput:        *skip,
		Hold:              *hold,
		UploadStatus:      *uploadStatus,
	}
	return *address, opts, *outputImage
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	address, opts, outputImage := procCLI()

	if outputImage != "" {
		// normalise whatever was given to PNG, as ComfyUI's SaveImage does
		img, err := imaging.Open(outputImage)
		if err != nil {
			log.Fatal().Err(err).Str("path", outputImage).Msg("Failed to open output image")
		}
		data, err := encodePNG(img)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to encode output image")
		}
		opts.OutputImage = data
	}

	s := comfystub.New(opts)
	log.Info().Str("address", address).Str("output_node", opts.OutputNode).Msg("Serving fake ComfyUI")
	if err := s.Start(address); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
