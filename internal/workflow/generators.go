package workflow

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"
)

// LocalTextGenerator is a provider-free TextGenerator producing
// deterministic placeholder prose. It stands in when no external text
// provider is configured, keeping the pipeline runnable end to end.
type LocalTextGenerator struct{}

// GenerateText returns deterministic placeholder prose for the prompt.
func (LocalTextGenerator) GenerateText(_ context.Context, prompt string) (string, error) {
	firstLine, _, _ := strings.Cut(prompt, "\n")
	return fmt.Sprintf("%s\n\n(generated locally at %s)\n",
		firstLine, time.Now().UTC().Format(time.RFC3339)), nil
}

// LocalImageGenerator is a provider-free ImageGenerator that simulates
// generation latency and returns a content-addressed placeholder ref.
type LocalImageGenerator struct {
	// Latency is the simulated generation time per image.
	Latency time.Duration
}

// GenerateImage simulates one generation, reporting progress in quarters.
func (g LocalImageGenerator) GenerateImage(ctx context.Context, prompt string, onProgress func(float64)) (string, error) {
	steps := 4
	for i := 1; i <= steps; i++ {
		select {
		case <-time.After(g.Latency / time.Duration(steps)):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		if onProgress != nil {
			onProgress(float64(i) / float64(steps))
		}
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(prompt))
	return fmt.Sprintf("assets/%016x.png", h.Sum64()), nil
}
