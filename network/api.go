package network

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	partDataField = "part_data"
	partHashField = "part_hash"
)

// Layout selects which generation of the upload endpoints the backend exposes.
type Layout string

const (
	// LayoutStorage is the single-file layout: /storage/upload/{job_id}/...
	LayoutStorage Layout = "storage"
	// LayoutJob is the multi-file layout: /upload/{job_id}/{file_id}/...
	LayoutJob Layout = "job"
)

// ParseLayout ...
func ParseLayout(s string) (Layout, error) {
	switch Layout(strings.ToLower(strings.TrimSpace(s))) {
	case "", LayoutStorage:
		return LayoutStorage, nil
	case LayoutJob:
		return LayoutJob, nil
	default:
		return "", fmt.Errorf("unknown API layout: %s", s)
	}
}

type startUploadResponse struct {
	JobID            string `json:"job_id"`
	RequestBodyLimit int64  `json:"request_body_limit"`
}

type newFileResponse struct {
	FileID string `json:"file_id"`
}

type finishRequest struct {
	FragmentCount int    `json:"fragment_count"`
	Hash          string `json:"hash,omitempty"`
}

type pipelineInput struct {
	Type     string `json:"type"`
	UploadID string `json:"upload_id"`
}

type pipelineRunRequest struct {
	JobID string                   `json:"job_id"`
	Input map[string]pipelineInput `json:"input"`
}

// APIClientParams ...
type APIClientParams struct {
	BaseURL string
	Token   string
	Layout  Layout
	// RetryMax is the number of automatic retries per request. Zero disables retrying.
	RetryMax int
}

// APIClient talks to the backend's REST upload endpoints.
type APIClient struct {
	httpClient  *retryablehttp.Client
	baseURL     string
	accessToken string
	layout      Layout
	logger      log.Logger
}

// NewAPIClient ...
func NewAPIClient(params APIClientParams, logger log.Logger) (*APIClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(params.BaseURL), "/")
	if baseURL == "" {
		return nil, ErrAPIDisabled
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid backend address: %w", err)
	}
	if params.RetryMax < 0 {
		return nil, fmt.Errorf("retry max must not be negative, got %d", params.RetryMax)
	}

	layout := params.Layout
	if layout == "" {
		layout = LayoutStorage
	}

	client := retryhttp.NewClient(logger)
	client.RetryMax = params.RetryMax
	client.CheckRetry = retryPolicy(logger)
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &APIClient{
		httpClient:  client,
		baseURL:     baseURL,
		accessToken: params.Token,
		layout:      layout,
		logger:      logger,
	}, nil
}

// retryPolicy keeps retryablehttp's default decision and logs every retried request.
func retryPolicy(logger log.Logger) retryablehttp.CheckRetry {
	return func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		shouldRetry, checkErr := retryablehttp.DefaultRetryPolicy(ctx, resp, err)
		if shouldRetry {
			status := 0
			if resp != nil {
				status = resp.StatusCode
			}
			logger.Debugf("Retrying request (status: %d): %v", status, err)
		}
		return shouldRetry, checkErr
	}
}

// StandardClient exposes the underlying retrying transport as a *http.Client.
func (c *APIClient) StandardClient() *http.Client {
	return c.httpClient.StandardClient()
}

// StartUpload opens a job. With LayoutJob a file is registered inside the new job as well.
func (c *APIClient) StartUpload(ctx context.Context, file FileInfo) (Job, error) {
	var start startUploadResponse
	if err := c.postJSON(ctx, c.startURL(), nil, &start); err != nil {
		return Job{}, fmt.Errorf("start upload: %w", err)
	}
	if start.JobID == "" {
		return Job{}, fmt.Errorf("start upload: %w", malformed("missing job_id"))
	}
	if start.RequestBodyLimit <= 0 {
		return Job{}, fmt.Errorf("start upload: %w", malformed("invalid request_body_limit %d", start.RequestBodyLimit))
	}

	job := Job{
		ID:               start.JobID,
		RequestBodyLimit: start.RequestBodyLimit,
	}
	c.logger.Debugf("Upload job %s opened for %s, request body limit: %d", job.ID, file.Name, job.RequestBodyLimit)

	if c.layout != LayoutJob {
		return job, nil
	}

	var newFile newFileResponse
	if err := c.postJSON(ctx, c.jobURL(job.ID, "newfile"), nil, &newFile); err != nil {
		return Job{}, fmt.Errorf("register file: %w", err)
	}
	if newFile.FileID == "" {
		return Job{}, fmt.Errorf("register file: %w", malformed("missing file_id"))
	}
	job.FileID = newFile.FileID

	return job, nil
}

// UploadPart sends one fragment as multipart form data.
func (c *APIClient) UploadPart(ctx context.Context, job Job, part Part) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	fw, err := writer.CreateFormFile(partDataField, fmt.Sprintf("part-%d", part.Index))
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(part.Data); err != nil {
		return fmt.Errorf("write fragment %d: %w", part.Index, err)
	}
	if part.Hash != "" {
		if err := writer.WriteField(partHashField, part.Hash); err != nil {
			return fmt.Errorf("write fragment hash: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.fileURL(job, "part"), body.Bytes())
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.do(req, false)
	if err != nil {
		return fmt.Errorf("upload fragment %d: %w", part.Index, err)
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upload fragment %d: %w", part.Index, unwrapError(resp))
	}
	return nil
}

// FinishUpload closes the job and returns the upload id of the stored blob.
func (c *APIClient) FinishUpload(ctx context.Context, job Job, finish Finish) (string, error) {
	request := finishRequest{
		FragmentCount: finish.FragmentCount,
		Hash:          finish.Hash,
	}
	if err := c.postJSON(ctx, c.fileURL(job, "finish"), request, nil); err != nil {
		return "", fmt.Errorf("finish upload: %w", err)
	}

	if c.layout == LayoutJob {
		return job.FileID, nil
	}
	return job.ID, nil
}

// RunPipeline starts a pipeline with the uploaded blob as its input.
func (c *APIClient) RunPipeline(ctx context.Context, run PipelineRun) error {
	if run.PipelineID == "" {
		return fmt.Errorf("pipeline id is empty")
	}
	if run.InputName == "" {
		return fmt.Errorf("pipeline input name is empty")
	}

	request := pipelineRunRequest{
		JobID: run.JobID,
		Input: map[string]pipelineInput{
			run.InputName: {Type: "Blob", UploadID: run.UploadID},
		},
	}
	apiURL := fmt.Sprintf("%s/pipeline/%s/run", c.baseURL, url.PathEscape(run.PipelineID))
	if err := c.postJSON(ctx, apiURL, request, nil); err != nil {
		return fmt.Errorf("run pipeline %s: %w", run.PipelineID, err)
	}
	return nil
}

func (c *APIClient) startURL() string {
	if c.layout == LayoutJob {
		return fmt.Sprintf("%s/upload/new", c.baseURL)
	}
	return fmt.Sprintf("%s/storage/upload", c.baseURL)
}

func (c *APIClient) jobURL(jobID, action string) string {
	return fmt.Sprintf("%s/upload/%s/%s", c.baseURL, url.PathEscape(jobID), action)
}

func (c *APIClient) fileURL(job Job, action string) string {
	if c.layout == LayoutJob {
		return fmt.Sprintf("%s/upload/%s/%s/%s", c.baseURL, url.PathEscape(job.ID), url.PathEscape(job.FileID), action)
	}
	return fmt.Sprintf("%s/storage/upload/%s/%s", c.baseURL, url.PathEscape(job.ID), action)
}

// postJSON sends requestBody (nil for an empty body) and decodes a 200 response into response (nil to discard it).
func (c *APIClient) postJSON(ctx context.Context, apiURL string, requestBody interface{}, response interface{}) error {
	var body []byte
	if requestBody != nil {
		var err error
		body, err = json.Marshal(requestBody)
		if err != nil {
			return err
		}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, apiURL, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.do(req, true)
	if err != nil {
		return err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return unwrapError(resp)
	}
	if response == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(response); err != nil {
		return malformed("decode response: %s", err)
	}
	return nil
}

func (c *APIClient) do(req *retryablehttp.Request, dumpBody bool) (*http.Response, error) {
	if c.accessToken != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
	}

	dump, err := httputil.DumpRequest(req.Request, dumpBody)
	if err != nil {
		c.logger.Warnf("error while dumping request: %s", err)
	}
	c.logger.Debugf("Request dump: %s", string(dump))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("%s %s: no response", req.Method, req.URL)
	}
	c.logger.Debugf("Response status: %s", resp.Status)

	return resp, nil
}

func (c *APIClient) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		c.logger.Warnf("Failed to close response body: %s", err)
	}
}
