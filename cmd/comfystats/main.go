package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/richinsley/comfyrun/client"
	"github.com/richinsley/comfyrun/internal/config"
)

// process CLI arguments
func procCLI(cfg *config.Config) (string, string) {
	serverAddress := flag.String("address", cfg.Address, "Server address as host:port")
	promptID := flag.String("prompt_id", "", "Also display the history of this prompt")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of %s:\n", os.Args[0])
		fmt.Printf("  %s [OPTIONS]", os.Args[0])
		fmt.Println("\nOptions:")
		flag.PrintDefaults()
	}
	flag.Parse()
	return *serverAddress, *promptID
}

// displaySystemStats gets the system statistics for the client
func displaySystemStats(ctx context.Context, c *client.ComfyClient) {
	system_info, err := c.GetSystemStats(ctx)
	if err != nil {
		log.Println("Error decoding System Stats:", err)
		os.Exit(1)
	}
	log.Println("System Stats:")
	log.Printf("\tOS: %s\n", system_info.System.OS)
	log.Printf("\tPython Version: %s\n", system_info.System.PythonVersion)
	if system_info.System.ComfyUIVersion != "" {
		log.Printf("\tComfyUI Version: %s\n", system_info.System.ComfyUIVersion)
	}
	log.Println("\tDevices:")
	for _, dev := range system_info.Devices {
		log.Printf("\t\tIndex: %d\n", dev.Index)
		log.Printf("\t\tName: %s\n", dev.Name)
		log.Printf("\t\tType: %s\n", dev.Type)
		log.Printf("\t\tVRAM Total %d\n", dev.VRAM_Total)
		log.Printf("\t\tVRAM Free %d\n", dev.VRAM_Free)
		log.Printf("\t\tTorch VRAM Total %d\n", dev.Torch_VRAM_Total)
		log.Printf("\t\tTorch VRAM Free %d\n", dev.Torch_VRAM_Free)
	}
	log.Println()
}

// displayPromptHistory shows the status and recorded images of one prompt
func displayPromptHistory(ctx context.Context, c *client.ComfyClient, promptID string) {
	p, err := c.GetPromptHistory(ctx, promptID)
	if err != nil {
		log.Println("Error decoding Prompt History:", err)
		os.Exit(1)
	}

	log.Printf("Prompt ID: %s Status: %s Completed: %t\n", p.PromptID, p.Status.StatusStr, p.Status.Completed)
	log.Println("\tOutput nodes:")
	for nodeid, out := range p.Outputs {
		log.Printf("\t\tNode ID %s\n", nodeid)
		for _, img_data := range out.Images {
			log.Printf("\t\t\tFilename: %s Type: \"%s\" Subfolder: %s\n", img_data.Filename, img_data.Type, img_data.Subfolder)
		}
	}
	log.Println()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Println("Error loading configuration:", err)
		os.Exit(1)
	}
	clientaddr, promptID := procCLI(cfg)

	// create a client, no websocket is needed to read stats and history
	c := client.NewComfyClient(clientaddr, client.WithSecure(cfg.Secure), client.WithTimeout(cfg.RequestTimeout))

	ctx := context.Background()
	displaySystemStats(ctx, c)
	if promptID != "" {
		displayPromptHistory(ctx, c, promptID)
	}
}
