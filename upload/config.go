package upload

import (
	"fmt"

	"github.com/copperc/uploader/fragment"
)

// DefaultConcurrency is the number of files uploaded in parallel.
const DefaultConcurrency = 3

// DefaultPipelineInput is the pipeline input the uploaded blob is bound to.
const DefaultPipelineInput = "file"

// Config holds configuration for an upload session.
type Config struct {
	// Concurrency is the maximum number of files uploaded at the same time.
	// Default: 3
	Concurrency int

	// ReservedHeaderBudget is subtracted from the server's request body limit to get the fragment size.
	// Default: 16 KiB
	ReservedHeaderBudget int64

	// Hashing sends a rolling SHA-256 with every fragment and the final digest with the finish call.
	// Default: false
	Hashing bool

	// PipelineID is the pipeline started for every uploaded file. Empty disables pipeline runs.
	PipelineID string

	// PipelineInput is the input name the uploaded blob is passed as.
	// Default: "file"
	PipelineInput string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:          DefaultConcurrency,
		ReservedHeaderBudget: fragment.DefaultReservedHeaderBudget,
		Hashing:              false,
		PipelineInput:        DefaultPipelineInput,
	}
}

// Validate ...
func (c Config) Validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.ReservedHeaderBudget < 0 {
		return fmt.Errorf("reserved header budget must not be negative, got %d", c.ReservedHeaderBudget)
	}
	if c.PipelineID != "" && c.PipelineInput == "" {
		return fmt.Errorf("pipeline input name must be set when a pipeline is configured")
	}
	return nil
}
