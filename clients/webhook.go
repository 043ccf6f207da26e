package clients

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/reelgrab/reel-api/log"
	"github.com/reelgrab/reel-api/metrics"
	"github.com/reelgrab/reel-api/store"
)

// WebhookClient posts completion notifications to the callback_url a job was
// submitted with. Delivery is best effort: a handful of retries and then the
// failure is logged and dropped.
type WebhookClient struct {
	httpClient *retryablehttp.Client
}

func NewWebhookClient() WebhookClient {
	client := retryablehttp.NewClient()
	client.RetryMax = 2                          // Retry a maximum of this+1 times
	client.RetryWaitMin = 200 * time.Millisecond // Wait at least this long between retries
	client.RetryWaitMax = 1 * time.Second        // Wait at most this long between retries (exponential backoff)
	client.CheckRetry = metrics.HttpRetryHook
	client.Logger = log.NewRetryableHTTPLogger()
	client.HTTPClient = &http.Client{
		Timeout: 5 * time.Second, // Give up on requests that take more than this long
	}

	return WebhookClient{
		httpClient: client,
	}
}

// CompletionMessage is the body POSTed to callback_url when a job reaches a
// terminal status.
type CompletionMessage struct {
	JobID     string           `json:"job_id"`
	Status    string           `json:"status"`
	Error     string           `json:"error,omitempty"`
	Artifacts []store.Artifact `json:"artifacts,omitempty"`
}

// SendCompletion fires the webhook in the background so finalizing a job
// never waits on a slow receiver.
func (c WebhookClient) SendCompletion(callbackURL string, msg CompletionMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	r, err := http.NewRequest(http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	r.Header.Set("Content-Type", "application/json")

	go func() {
		if err := c.DoWithRetries(r); err != nil {
			metrics.Metrics.WebhookCount.WithLabelValues("failed").Inc()
			log.LogError(msg.JobID, "webhook delivery failed", err, "url", callbackURL)
			return
		}
		metrics.Metrics.WebhookCount.WithLabelValues("delivered").Inc()
	}()
	return nil
}

func (c WebhookClient) DoWithRetries(r *http.Request) error {
	resp, err := metrics.MonitorRequest(metrics.Metrics.WebhookClient, c.httpClient.StandardClient(), r)
	if err != nil {
		return fmt.Errorf("failed to send webhook to %q: %w", r.URL.String(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("failed to send webhook to %q: http code %d", r.URL.String(), resp.StatusCode)
	}
	return nil
}
