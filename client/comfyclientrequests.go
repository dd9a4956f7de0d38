package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/richinsley/comfyrun/workflow"
)

/*
@routes.get("/view")
@routes.get("/system_stats")
@routes.get("/history/{prompt_id}")

@routes.post("/prompt")
@routes.post("/interrupt")
@routes.post("/upload/image")
*/

// promptRequest is the body of POST /prompt
type promptRequest struct {
	Prompt   workflow.Workflow `json:"prompt"`
	ClientID string            `json:"client_id"`
}

func (c *ComfyClient) do(ctx context.Context, method string, target string, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return c.httpclient.Do(req)
}

func (c *ComfyClient) getJSON(ctx context.Context, target string, v interface{}) error {
	resp, err := c.do(ctx, http.MethodGet, target, "", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", target, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// GetSystemStats retrieves the server's OS, python and device information
func (c *ComfyClient) GetSystemStats(ctx context.Context) (*SystemStats, error) {
	retv := &SystemStats{}
	if err := c.getJSON(ctx, c.httpURL("/system_stats", nil), retv); err != nil {
		return nil, err
	}
	return retv, nil
}

// QueuePrompt submits the workflow under this client's id and returns the queued item
func (c *ComfyClient) QueuePrompt(ctx context.Context, wf workflow.Workflow) (*QueueItem, error) {
	data, err := json.Marshal(promptRequest{Prompt: wf, ClientID: c.clientid})
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, http.MethodPost, c.httpURL("/prompt", nil), "application/json", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		perror := &PromptError{StatusCode: resp.StatusCode}
		if perr := json.Unmarshal(body, perror); perr != nil || perror.Detail.Message == "" {
			c.logger.Error().Str("body", string(body)).Msg("unrecognised prompt error")
			return nil, fmt.Errorf("queue prompt: %s", resp.Status)
		}
		return nil, perror
	}

	item := &QueueItem{}
	if err := json.Unmarshal(body, item); err != nil {
		return nil, fmt.Errorf("decoding queue response: %w", err)
	}
	if item.PromptID == "" {
		return nil, fmt.Errorf("queue response has no prompt_id")
	}
	item.Workflow = wf
	return item, nil
}

// GetPromptHistory retrieves the history record of a single prompt
func (c *ComfyClient) GetPromptHistory(ctx context.Context, promptID string) (*PromptHistoryItem, error) {
	history := make(map[string]*PromptHistoryItem)
	target := c.httpURL("/history/"+url.PathEscape(promptID), nil)
	if err := c.getJSON(ctx, target, &history); err != nil {
		return nil, err
	}

	item, ok := history[promptID]
	if !ok || item == nil {
		return nil, fmt.Errorf("no history for prompt %s", promptID)
	}
	item.PromptID = promptID
	return item, nil
}

// GetImage downloads the raw bytes of a stored file
func (c *ComfyClient) GetImage(ctx context.Context, image_data DataOutput) ([]byte, error) {
	params := url.Values{}
	params.Add("filename", image_data.Filename)
	params.Add("subfolder", image_data.Subfolder)
	params.Add("type", image_data.Type)

	resp, err := c.do(ctx, http.MethodGet, c.httpURL("/view", params), "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("view %s: %s", image_data.Filename, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// Interrupt asks the server to stop executing. Servers that understand prompt_id
// only stop that prompt; older ones stop whatever is running.
func (c *ComfyClient) Interrupt(ctx context.Context, promptID string) error {
	body := map[string]string{}
	if promptID != "" {
		body["prompt_id"] = promptID
	}
	data, _ := json.Marshal(body)

	resp, err := c.do(ctx, http.MethodPost, c.httpURL("/interrupt", nil), "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("interrupt: %s", resp.Status)
	}
	return nil
}
