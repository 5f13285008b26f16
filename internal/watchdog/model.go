package watchdog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const diagnosisPrompt = `You are the watchdog for an autonomous software-improvement pipeline.
Below is a snapshot of the job queue, proposals, recent events and logs.
Diagnose whether the pipeline is healthy and respond with ONLY a JSON object:

{"summary": "...", "healthy": true|false, "actions": [{"type": "...", "job_id": "...", "proposal_id": "...", "project_id": "...", "reason": "..."}]}

Allowed action types: send_notification, retrigger_job, reject_proposal,
release_merge_lock, trigger_scout, reset_job_attempts.
Default to send_notification; only request another action when the
snapshot clearly justifies it.

Snapshot:
%s`

// AnthropicClient is the production ModelClient backed by the
// Anthropic API
type AnthropicClient struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropicClient creates a client. ANTHROPIC_API_KEY takes
// precedence over the explicit key.
func NewAnthropicClient(apiKey, model string) (*AnthropicClient, error) {
	if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" {
		apiKey = envKey
	}
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic API key required for the watchdog")
	}
	return &AnthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(model),
	}, nil
}

// Diagnose implements ModelClient
func (c *AnthropicClient) Diagnose(ctx context.Context, snapshot string) (*Diagnosis, error) {
	message, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 1024,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(fmt.Sprintf(diagnosisPrompt, snapshot))),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("model call failed: %w", err)
	}
	if len(message.Content) == 0 || message.Content[0].Type != "text" {
		return nil, fmt.Errorf("unexpected response format")
	}
	return parseDiagnosis(message.Content[0].Text)
}

// parseDiagnosis extracts the JSON object from the model's reply,
// tolerating prose around it
func parseDiagnosis(text string) (*Diagnosis, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in model reply")
	}

	var d Diagnosis
	if err := json.Unmarshal([]byte(text[start:end+1]), &d); err != nil {
		return nil, fmt.Errorf("failed to parse diagnosis: %w", err)
	}
	return &d, nil
}
