// Package config loads the uploader configuration from the environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/Netflix/go-env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/copperc/uploader/network"
	"github.com/copperc/uploader/upload"
	"github.com/docker/go-units"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Backend names accepted in UPLOAD_BACKEND.
const (
	BackendAPI = "api"
	BackendS3  = "s3"
)

// DefaultDotenvFile is read when present in the working directory.
const DefaultDotenvFile = ".env"

// Config ...
type Config struct {
	APIBaseURL string `env:"EDGED_ADDR" validate:"omitempty,url"`
	APIToken   Secret `env:"EDGED_TOKEN"`
	Backend    string `env:"UPLOAD_BACKEND,default=api" validate:"oneof=api s3"`
	APILayout  string `env:"UPLOAD_API_LAYOUT,default=storage" validate:"oneof=storage job"`

	Concurrency          int    `env:"UPLOAD_CONCURRENCY,default=3" validate:"min=1,max=64"`
	ReservedHeaderBudget string `env:"UPLOAD_RESERVED_HEADER_BUDGET,default=16KiB"`
	Hashing              bool   `env:"UPLOAD_HASHING,default=false"`
	RetryMax             int    `env:"UPLOAD_RETRY_MAX,default=0" validate:"min=0,max=10"`

	PipelineID    string `env:"PIPELINE_ID"`
	PipelineInput string `env:"PIPELINE_INPUT,default=file" validate:"required_with=PipelineID"`

	S3Bucket           string `env:"S3_BUCKET" validate:"required_if=Backend s3"`
	S3Region           string `env:"S3_REGION" validate:"required_if=Backend s3"`
	S3Prefix           string `env:"S3_PREFIX"`
	S3PartSize         string `env:"S3_PART_SIZE,default=8MiB"`
	AWSAccessKeyID     Secret `env:"AWS_ACCESS_KEY_ID"`
	AWSSecretAccessKey Secret `env:"AWS_SECRET_ACCESS_KEY"`

	Verbose bool `env:"VERBOSE,default=false"`

	reservedHeaderBudget int64
	s3PartSize           int64
}

// Load reads the .env files (missing ones are skipped) and the process environment.
// Process environment variables take precedence over the .env values.
func Load(logger log.Logger, dotenvFiles ...string) (Config, error) {
	envSet, err := env.EnvironToEnvSet(os.Environ())
	if err != nil {
		return Config{}, fmt.Errorf("read environment: %w", err)
	}

	for _, file := range dotenvFiles {
		values, err := godotenv.Read(file)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return Config{}, fmt.Errorf("read %s: %w", file, err)
		}
		logger.Debugf("Loaded %d variables from %s", len(values), file)
		for key, value := range values {
			if _, ok := envSet[key]; !ok {
				envSet[key] = value
			}
		}
	}

	return Parse(envSet, logger)
}

// Parse builds a validated Config from envSet.
func Parse(envSet env.EnvSet, logger log.Logger) (Config, error) {
	var cfg Config
	if err := env.Unmarshal(envSet, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}

	var err error
	if cfg.reservedHeaderBudget, err = units.RAMInBytes(cfg.ReservedHeaderBudget); err != nil {
		return Config{}, fmt.Errorf("invalid UPLOAD_RESERVED_HEADER_BUDGET: %w", err)
	}
	if cfg.s3PartSize, err = units.RAMInBytes(cfg.S3PartSize); err != nil {
		return Config{}, fmt.Errorf("invalid S3_PART_SIZE: %w", err)
	}

	if cfg.Backend == BackendAPI && cfg.APIBaseURL == "" {
		logger.Errorf("EDGED_ADDR is not set, uploading through the API is disabled")
	}

	return cfg, nil
}

// Upload returns the job controller and scheduler settings.
func (c Config) Upload() upload.Config {
	return upload.Config{
		Concurrency:          c.Concurrency,
		ReservedHeaderBudget: c.reservedHeaderBudget,
		Hashing:              c.Hashing,
		PipelineID:           c.PipelineID,
		PipelineInput:        c.PipelineInput,
	}
}

// API returns the REST client settings.
func (c Config) API() (network.APIClientParams, error) {
	layout, err := network.ParseLayout(c.APILayout)
	if err != nil {
		return network.APIClientParams{}, err
	}
	return network.APIClientParams{
		BaseURL:  c.APIBaseURL,
		Token:    string(c.APIToken),
		Layout:   layout,
		RetryMax: c.RetryMax,
	}, nil
}

// S3 returns the S3 multipart backend settings.
func (c Config) S3() network.S3BackendParams {
	return network.S3BackendParams{
		Bucket:               c.S3Bucket,
		Region:               c.S3Region,
		Prefix:               c.S3Prefix,
		AccessKeyID:          string(c.AWSAccessKeyID),
		SecretAccessKey:      string(c.AWSSecretAccessKey),
		PartSize:             c.s3PartSize,
		ReservedHeaderBudget: c.reservedHeaderBudget,
		Checksum:             c.Hashing,
	}
}
