// Package notify delivers run notifications to external systems.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/canectors/dataflow/internal/errhandling"
	"github.com/canectors/dataflow/internal/httpconfig"
	"github.com/canectors/dataflow/pkg/pipeline"
)

// DefaultTimeout bounds a webhook request when the caller's context has no
// deadline.
const DefaultTimeout = 10 * time.Second

// Event is the JSON body posted to a webhook.
type Event struct {
	Type       string                  `json:"type"`
	PipelineID string                  `json:"pipelineId"`
	RunID      string                  `json:"runId"`
	Status     pipeline.RunStatus      `json:"status"`
	Degraded   bool                    `json:"degraded"`
	Run        pipeline.PipelineRun    `json:"run"`
	Report     *pipeline.QualityReport `json:"report,omitempty"`
}

// Webhook returns a notifier that POSTs an Event to url. Non-2xx responses
// are classified errors.
func Webhook(url string, client *http.Client) func(ctx context.Context, run pipeline.PipelineRun, report *pipeline.QualityReport) error {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return func(ctx context.Context, run pipeline.PipelineRun, report *pipeline.QualityReport) error {
		body, err := json.Marshal(Event{
			Type:       "run." + string(run.Status),
			PipelineID: run.PipelineID,
			RunID:      run.ID,
			Status:     run.Status,
			Degraded:   run.Degraded,
			Run:        run,
			Report:     report,
		})
		if err != nil {
			return fmt.Errorf("encoding notification: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("building notification request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(httpconfig.RunIDHeader, run.ID)

		resp, err := client.Do(req)
		if err != nil {
			return errhandling.ClassifyError(err)
		}
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return httpconfig.ClassifyResponse(resp.StatusCode, respBody)
		}
		return nil
	}
}
