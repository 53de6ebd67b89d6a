// llm.go implements the batched TitleParser on an OpenAI-compatible chat
// completions endpoint. All pending titles ride in one request; the model
// answers with a JSON array aligned to the input, null for titles it cannot
// map. Anything off-shape is an error — the matcher handles degradation.
package matcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const llmSystemPrompt = `You map prediction-market titles to crypto price thresholds.
For each title in the input JSON array, output one element in a JSON array of the same length:
either null (title is not a crypto price-threshold market) or an object
{"symbol": "<BTC|ETH|SOL|DOGE|ADA|XRP>", "threshold": <number>, "direction": "<above|below>"}.
Output only the JSON array, nothing else.`

// LLMParser calls a chat-completions endpoint to parse titles the regex
// could not handle.
type LLMParser struct {
	client *resty.Client
	model  string
}

// NewLLMParser creates a parser against an OpenAI-compatible endpoint.
func NewLLMParser(endpoint, apiKey, model string) *LLMParser {
	return &LLMParser{
		client: resty.New().
			SetBaseURL(endpoint).
			SetAuthToken(apiKey).
			SetTimeout(60 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(2 * time.Second),
		model: model,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// ParseBatch sends all titles in one request and decodes the aligned array.
func (p *LLMParser) ParseBatch(ctx context.Context, titles []string) ([]*ParsedTitle, error) {
	input, err := json.Marshal(titles)
	if err != nil {
		return nil, fmt.Errorf("llm: encode titles: %w", err)
	}

	var resp chatResponse
	res, err := p.client.R().
		SetContext(ctx).
		SetBody(chatRequest{
			Model: p.model,
			Messages: []chatMessage{
				{Role: "system", Content: llmSystemPrompt},
				{Role: "user", Content: string(input)},
			},
		}).
		SetResult(&resp).
		Post("/chat/completions")
	if err != nil {
		return nil, fmt.Errorf("llm: request: %w", err)
	}
	if res.StatusCode() != 200 {
		return nil, fmt.Errorf("llm: status %d", res.StatusCode())
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("llm: empty response")
	}

	answers, err := decodeAnswers(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	if len(answers) != len(titles) {
		return nil, fmt.Errorf("llm: got %d answers for %d titles", len(answers), len(titles))
	}
	return answers, nil
}

// decodeAnswers tolerates a markdown code fence around the array; models add
// one even when told not to.
func decodeAnswers(content string) ([]*ParsedTitle, error) {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(strings.TrimSpace(content), "```")
		content = strings.TrimSpace(content)
	}

	var answers []*ParsedTitle
	if err := json.Unmarshal([]byte(content), &answers); err != nil {
		return nil, fmt.Errorf("llm: decode answers: %w", err)
	}
	return answers, nil
}
