package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/copperc/uploader/compression"
	"github.com/copperc/uploader/config"
	"github.com/copperc/uploader/fragment"
	"github.com/copperc/uploader/network"
	"github.com/copperc/uploader/source"
	"github.com/copperc/uploader/upload"
	"github.com/docker/go-units"
)

func runUpload(ctx context.Context, cfg config.Config, inputs []string, logger log.Logger) error {
	backend, pipeline, downloadClient, err := newBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}

	envRepo := env.NewRepository()
	archiver := compression.NewArchiver(logger, envRepo, compression.NewBinaryChecker(logger, envRepo))
	resolver := source.NewResolver(logger, archiver, downloadClient)
	defer resolver.Cleanup()

	paths, err := resolver.Resolve(ctx, inputs)
	if err != nil {
		return fmt.Errorf("resolve inputs: %w", err)
	}
	if len(paths) == 0 {
		return errors.New("nothing to upload")
	}

	var sources []*fragment.FileSource
	defer func() {
		for _, src := range sources {
			if err := src.Close(); err != nil {
				logger.Warnf("Failed to close %s: %s", src.Name(), err)
			}
		}
	}()

	store := upload.NewStore()
	for _, path := range paths {
		src, err := fragment.OpenFile(path)
		if err != nil {
			return err
		}
		sources = append(sources, src)
		file := store.Add(src)
		logger.Printf("Queued %s (%s)", file.Name(), units.HumanSize(float64(file.Size())))
	}
	store.Subscribe(newProgressPrinter(logger).observe)

	scheduler := upload.NewScheduler(backend, pipeline, cfg.Upload(), logger)
	session := upload.NewSession(store, scheduler, logger)
	if err := session.Start(ctx); err != nil {
		return err
	}

	if snapshot := store.Snapshot(); snapshot.FailedUploads > 0 {
		return fmt.Errorf("%d of %d uploads failed", snapshot.FailedUploads, snapshot.FailedUploads+snapshot.DoneUploads)
	}
	return nil
}

// newBackend returns the upload backend, the optional pipeline runner and the client used for URL inputs.
func newBackend(ctx context.Context, cfg config.Config, logger log.Logger) (network.Backend, network.PipelineRunner, *http.Client, error) {
	switch cfg.Backend {
	case config.BackendAPI:
		client, err := newAPIClient(cfg, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		return client, client, client.StandardClient(), nil
	case config.BackendS3:
		backend, err := network.NewS3Backend(ctx, cfg.S3(), logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("create S3 backend: %w", err)
		}

		var pipeline network.PipelineRunner
		if cfg.APIBaseURL != "" {
			client, err := newAPIClient(cfg, logger)
			if err != nil {
				return nil, nil, nil, err
			}
			pipeline = client
		}
		return backend, pipeline, retryhttp.NewClient(logger).StandardClient(), nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown upload backend: %s", cfg.Backend)
	}
}

func newAPIClient(cfg config.Config, logger log.Logger) (*network.APIClient, error) {
	params, err := cfg.API()
	if err != nil {
		return nil, err
	}
	client, err := network.NewAPIClient(params, logger)
	if err != nil {
		return nil, fmt.Errorf("create API client: %w", err)
	}
	return client, nil
}

// progressPrinter logs the overall batch progress in 10% steps.
// The store calls observers one at a time, so no locking is needed.
type progressPrinter struct {
	logger log.Logger
	last   int
}

func newProgressPrinter(logger log.Logger) *progressPrinter {
	return &progressPrinter{logger: logger, last: -1}
}

func (p *progressPrinter) observe(s upload.Snapshot) {
	if !s.IsUploading {
		return
	}
	total := s.QueuedSize() + s.DoneSize + s.FailedSize
	if total == 0 {
		return
	}

	processed := s.UploadedBytes() + s.DoneSize + s.FailedSize
	step := int(processed*100/total) / 10 * 10
	if step <= p.last {
		return
	}
	p.last = step
	p.logger.Printf("%3d%% %s / %s", step, units.HumanSize(float64(processed)), units.HumanSize(float64(total)))
}
