package runner

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/postpull/postpull/internal/config"
)

// ApifyClient implements Client against the Apify actor API (v2).
type ApifyClient struct {
	baseURL      string
	token        string
	actors       map[string]string // source → actor id
	templates    map[string]string // source → input template
	callbackURL  string            // completion webhook, secret included
	fetchRetries int
	http         *http.Client
	logger       *slog.Logger
}

// NewApify constructs a runner client from configuration. callbackURL is the
// fully-formed webhook endpoint (public URL + path + secret query param).
func NewApify(cfg config.RunnerConfig, callbackURL string, logger *slog.Logger) *ApifyClient {
	return &ApifyClient{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		token:        cfg.Token,
		actors:       cfg.Actors,
		templates:    cfg.Templates,
		callbackURL:  callbackURL,
		fetchRetries: cfg.FetchRetries,
		http:         &http.Client{Timeout: cfg.HTTPTimeout.Duration},
		logger:       logger.With("component", "runner"),
	}
}

// webhookDefinition is registered with each run so the runner calls back on
// terminal states. The payload template mirrors what the completion handler
// parses.
type webhookDefinition struct {
	EventTypes      []string `json:"eventTypes"`
	RequestURL      string   `json:"requestUrl"`
	PayloadTemplate string   `json:"payloadTemplate"`
}

const webhookPayloadTemplate = `{"eventType":{{eventType}},"resource":{{resource}}}`

func (c *ApifyClient) webhooksParam() (string, error) {
	defs := []webhookDefinition{{
		EventTypes:      []string{"ACTOR.RUN.SUCCEEDED", "ACTOR.RUN.FAILED", "ACTOR.RUN.ABORTED", "ACTOR.RUN.TIMED_OUT"},
		RequestURL:      c.callbackURL,
		PayloadTemplate: webhookPayloadTemplate,
	}}
	b, err := json.Marshal(defs)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// buildInput renders the actor input for a request. A configured template has
// {target}, {target_url} and {count} substituted; without one a generic input
// is used.
func (c *ApifyClient) buildInput(req StartRequest) (json.RawMessage, error) {
	if tmpl, ok := c.templates[req.Source]; ok {
		rendered := strings.NewReplacer(
			"{target}", req.Target,
			"{target_url}", targetURL(req.Source, req.Target),
			"{count}", strconv.Itoa(req.ItemCount),
		).Replace(tmpl)
		if !json.Valid([]byte(rendered)) {
			return nil, fmt.Errorf("input template for %q renders invalid JSON", req.Source)
		}
		return json.RawMessage(rendered), nil
	}
	input := map[string]any{
		"directUrls":   []string{targetURL(req.Source, req.Target)},
		"resultsLimit": req.ItemCount,
		"resultsType":  "posts",
	}
	return json.Marshal(input)
}

// targetURL turns a handle or URL into the profile URL the actors expect.
func targetURL(source, target string) string {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return target
	}
	handle := strings.TrimPrefix(target, "@")
	switch source {
	case "instagram":
		return "https://www.instagram.com/" + handle + "/"
	case "tiktok":
		return "https://www.tiktok.com/@" + handle
	case "twitter":
		return "https://x.com/" + handle
	case "youtube":
		return "https://www.youtube.com/@" + handle
	default:
		return target
	}
}

func (c *ApifyClient) StartRun(ctx context.Context, req StartRequest) (string, error) {
	actor, ok := c.actors[req.Source]
	if !ok {
		return "", fmt.Errorf("no actor configured for source %q", req.Source)
	}

	input, err := c.buildInput(req)
	if err != nil {
		return "", err
	}
	webhooks, err := c.webhooksParam()
	if err != nil {
		return "", fmt.Errorf("encode webhooks: %w", err)
	}

	q := url.Values{}
	q.Set("token", c.token)
	q.Set("webhooks", webhooks)
	endpoint := fmt.Sprintf("%s/v2/acts/%s/runs?%s", c.baseURL, url.PathEscape(actor), q.Encode())

	var resp struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := c.doJSON(ctx, http.MethodPost, endpoint, input, &resp); err != nil {
		return "", fmt.Errorf("start run: %w", c.sanitize(err))
	}
	if resp.Data.ID == "" {
		return "", fmt.Errorf("start run: runner did not return a run id")
	}

	c.logger.Info("run started", "source", req.Source, "run_id", resp.Data.ID)
	return resp.Data.ID, nil
}

func (c *ApifyClient) GetRun(ctx context.Context, runID string) (*Run, error) {
	endpoint := fmt.Sprintf("%s/v2/actor-runs/%s?token=%s", c.baseURL, url.PathEscape(runID), url.QueryEscape(c.token))

	var resp struct {
		Data struct {
			ID               string `json:"id"`
			Status           string `json:"status"`
			DefaultDatasetID string `json:"defaultDatasetId"`
			StatusMessage    string `json:"statusMessage"`
		} `json:"data"`
	}
	if err := c.doJSON(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, c.sanitize(err))
	}
	return &Run{
		ID:        resp.Data.ID,
		Status:    resp.Data.Status,
		DatasetID: resp.Data.DefaultDatasetID,
		Error:     resp.Data.StatusMessage,
	}, nil
}

func (c *ApifyClient) ListItems(ctx context.Context, datasetID string) ([]Item, error) {
	endpoint := fmt.Sprintf("%s/v2/datasets/%s/items?clean=true&format=json&token=%s",
		c.baseURL, url.PathEscape(datasetID), url.QueryEscape(c.token))

	var lastErr error
	for attempt := 0; attempt <= c.fetchRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 2 * time.Second):
			}
		}
		var items []Item
		if err := c.doJSON(ctx, http.MethodGet, endpoint, nil, &items); err != nil {
			lastErr = err
			c.logger.Warn("dataset fetch failed", "dataset_id", datasetID, "attempt", attempt+1, "error", c.sanitize(err))
			continue
		}
		return items, nil
	}
	return nil, fmt.Errorf("list items for dataset %s: %w", datasetID, c.sanitize(lastErr))
}

func (c *ApifyClient) doJSON(ctx context.Context, method, endpoint string, body json.RawMessage, out any) error {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("runner returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

// sanitize strips the API token from an error before it is logged or stored.
func (c *ApifyClient) sanitize(err error) error {
	if err == nil || c.token == "" {
		return err
	}
	msg := strings.ReplaceAll(err.Error(), c.token, "***")
	msg = strings.ReplaceAll(msg, url.QueryEscape(c.token), "***")
	if msg == err.Error() {
		return err
	}
	return fmt.Errorf("%s", msg)
}
