package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/copperc/uploader/config"
	"github.com/spf13/cobra"
)

type options struct {
	concurrency   int
	hashing       bool
	pipeline      string
	pipelineInput string
	backend       string
	verbose       bool
	envFile       string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "uploader [paths|globs|dirs|urls...]",
		Short: "Upload files to the console backend in fragments",
		Long: `uploader splits every input into fragments that fit the backend's request body limit
and uploads up to --concurrency files in parallel. Directories are uploaded as a single
.tar.zst archive and http(s) URLs are downloaded first.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.NewLogger()

			cfg, err := config.Load(logger, opts.envFile)
			if err != nil {
				logger.Errorf("%s", err)
				return err
			}
			opts.apply(cmd, &cfg)
			logger.EnableDebugLog(cfg.Verbose)
			cfg.Print(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := runUpload(ctx, cfg, args, logger); err != nil {
				logger.Errorf("%s", err)
				return err
			}
			return nil
		},
	}

	bindFlags(cmd, &opts)

	return cmd
}

func bindFlags(cmd *cobra.Command, opts *options) {
	flags := cmd.Flags()
	flags.IntVarP(&opts.concurrency, "concurrency", "c", 0, "number of files uploaded in parallel (UPLOAD_CONCURRENCY)")
	flags.BoolVar(&opts.hashing, "hash", false, "send a rolling SHA-256 with every fragment (UPLOAD_HASHING)")
	flags.StringVar(&opts.pipeline, "pipeline", "", "pipeline to run for every uploaded file (PIPELINE_ID)")
	flags.StringVar(&opts.pipelineInput, "pipeline-input", "", "pipeline input receiving the upload (PIPELINE_INPUT)")
	flags.StringVar(&opts.backend, "backend", "", "upload backend, api or s3 (UPLOAD_BACKEND)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logs (VERBOSE)")
	flags.StringVar(&opts.envFile, "env-file", config.DefaultDotenvFile, "dotenv file read before the environment")
}

// apply overrides the loaded configuration with the flags set on the command line.
func (o options) apply(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("concurrency") {
		cfg.Concurrency = o.concurrency
	}
	if flags.Changed("hash") {
		cfg.Hashing = o.hashing
	}
	if flags.Changed("pipeline") {
		cfg.PipelineID = o.pipeline
	}
	if flags.Changed("pipeline-input") {
		cfg.PipelineInput = o.pipelineInput
	}
	if flags.Changed("backend") {
		cfg.Backend = o.backend
	}
	if flags.Changed("verbose") {
		cfg.Verbose = o.verbose
	}
}
