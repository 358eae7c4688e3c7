package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

const simpleCIKeyHeader = "X-SimpleCI-Webhook-Key"

// SimpleCIClient runs train pipelines on a simple-ci server. Every train
// project maps to one simple-ci pipeline; a train pipeline is one run of it.
// The trigger answering with the run id, and key authenticated JSON status
// and cancel endpoints, are extensions simple-ci needs for merge trains.
type SimpleCIClient struct {
	baseURL    string
	key        string
	pipelines  func(projectID int64) (int64, bool)
	httpClient *http.Client
	backoff    func() retry.Backoff
}

type simpleCIRun struct {
	RunID  int64          `json:"run_id"`
	Status PipelineStatus `json:"status"`
}

func NewSimpleCIClient(
	baseURL, key string,
	pipelines func(projectID int64) (int64, bool),
) *SimpleCIClient {
	return &SimpleCIClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		key:        key,
		pipelines:  pipelines,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		backoff: func() retry.Backoff {
			return retry.WithMaxRetries(3, retry.NewExponential(200*time.Millisecond))
		},
	}
}

func (c *SimpleCIClient) CreatePipeline(ctx context.Context, projectID int64, ref, sha string) (int64, error) {
	ciPipelineID, err := c.pipelineFor(projectID)
	if err != nil {
		return 0, err
	}
	path := fmt.Sprintf(
		"/app/pipelines/%d/webhook-trigger/%s?sha=%s",
		ciPipelineID, url.PathEscape(ref), url.QueryEscape(sha),
	)
	run := new(simpleCIRun)
	if err := c.do(ctx, http.MethodPost, path, run); err != nil {
		return 0, err
	}
	if run.RunID == 0 {
		return 0, fmt.Errorf("simple-ci did not return a run id for ref %s", ref)
	}
	return run.RunID, nil
}

func (c *SimpleCIClient) PipelineStatus(ctx context.Context, projectID, pipelineID int64) (PipelineStatus, error) {
	ciPipelineID, err := c.pipelineFor(projectID)
	if err != nil {
		return "", err
	}
	run := new(simpleCIRun)
	path := fmt.Sprintf("/app/pipelines/%d/runs/%d/status", ciPipelineID, pipelineID)
	if err := c.do(ctx, http.MethodGet, path, run); err != nil {
		return "", err
	}
	return run.Status, nil
}

func (c *SimpleCIClient) CancelPipeline(ctx context.Context, projectID, pipelineID int64) error {
	ciPipelineID, err := c.pipelineFor(projectID)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/app/pipelines/%d/runs/%d/cancel", ciPipelineID, pipelineID)
	return c.do(ctx, http.MethodPost, path, nil)
}

func (c *SimpleCIClient) pipelineFor(projectID int64) (int64, error) {
	id, ok := c.pipelines(projectID)
	if !ok || id == 0 {
		return 0, fmt.Errorf("no simple-ci pipeline configured for project %d", projectID)
	}
	return id, nil
}

// do sends a request, retrying transport errors and 5xx responses, and
// decodes a JSON response into out when out is not nil.
func (c *SimpleCIClient) do(ctx context.Context, method, path string, out any) error {
	return retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
		if err != nil {
			return err
		}
		req.Header.Set(simpleCIKeyHeader, c.key)
		req.Header.Set("Accept", "application/json")

		res, err := c.httpClient.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer res.Body.Close()

		if res.StatusCode >= http.StatusInternalServerError {
			return retry.RetryableError(fmt.Errorf("simple-ci %s %s: %s", method, path, res.Status))
		}
		if res.StatusCode >= http.StatusBadRequest {
			body, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
			return fmt.Errorf("simple-ci %s %s: %s: %s", method, path, res.Status, strings.TrimSpace(string(body)))
		}
		if out == nil {
			return nil
		}
		err = json.NewDecoder(res.Body).Decode(out)
		if errors.Is(err, io.EOF) {
			// empty body, out keeps its zero value
			return nil
		}
		if err != nil {
			return fmt.Errorf("err decoding simple-ci response: %+w", err)
		}
		return nil
	})
}
