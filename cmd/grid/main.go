package main

import (
	"context"
	"diffuser-backend/cmd"
	"diffuser-backend/internal/config"
	"diffuser-backend/internal/core/types"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/schollz/progressbar/v3"
)

const defaultPrompt = "a potato"

// Renders a grid for the prompts given as arguments and prints its URL, or
// writes the composite to -out when uploading is disabled.
func main() {
	seed := flag.Int64("seed", types.DefaultSeed, "base seed, image i uses seed+i")
	steps := flag.Int("steps", types.DefaultSteps, "denoising steps per image")
	split := flag.Float64("split", types.DefaultSplitFraction, "fraction of steps run by the base model")
	negative := flag.String("negative", types.DefaultNegativeText, "negative prompt applied to every image")
	out := flag.String("out", "", "also write the composite png to this path")

	cmd.LoadEnvFile()

	prompts := flag.Args()
	if len(prompts) == 0 {
		prompts = []string{defaultPrompt}
	}

	cfg, err := config.LoadOrchestratorConfig()
	if err != nil {
		log.Fatalf("error loading config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orchestrator, cleanup, err := cmd.NewOrchestrator(ctx, cfg, nil)
	if err != nil {
		log.Fatalf("Failed to initialize orchestrator: %v", err)
	}
	defer cleanup()

	bar := progressbar.NewOptions(len(prompts),
		progressbar.OptionSetDescription("⏳ generating"),
		progressbar.OptionSetWidth(30),
		progressbar.OptionClearOnFinish(),
	)

	res, err := orchestrator.Generate(ctx, prompts, types.BatchOptions{
		Seed:          *seed,
		Steps:         *steps,
		SplitFraction: split,
		NegativeText:  negative,
	}, func(completed, total int) {
		_ = bar.Set(completed)
	})
	_ = bar.Finish()
	if err != nil {
		cleanup()
		log.Fatalf("error generating grid: %v", err)
	}

	if *out != "" {
		if err := os.WriteFile(*out, res.Composite, 0o644); err != nil {
			cleanup()
			log.Fatalf("error writing %s: %v", *out, err)
		}
		log.Printf("wrote composite to %s", *out)
	}

	log.Printf("batch %s seeds %v", res.BatchId, res.Seeds)
	if res.Url != "" {
		fmt.Println(res.Url)
	}
}
