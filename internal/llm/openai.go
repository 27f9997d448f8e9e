package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/responses"
)

type OpenAIConfig struct {
	BaseURL string
	Model   string
	APIKey  string
}

type OpenAIClient struct {
	cfg     OpenAIConfig
	service responses.ResponseService
}

func NewOpenAIClient(cfg OpenAIConfig, httpClient *http.Client) *OpenAIClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	opts := []option.RequestOption{option.WithHTTPClient(httpClient)}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	if key := strings.TrimSpace(cfg.APIKey); key != "" {
		opts = append(opts, option.WithAPIKey(key))
	}
	return &OpenAIClient{
		cfg:     cfg,
		service: responses.NewResponseService(opts...),
	}
}

func (c *OpenAIClient) CreateResponse(ctx context.Context, req Request) (*Result, error) {
	params, err := c.toSDKRequest(req)
	if err != nil {
		return nil, err
	}
	var rawBody []byte
	_, err = c.service.New(ctx, params, option.WithResponseBodyInto(&rawBody))
	if err != nil {
		return nil, c.wrapRequestError(err)
	}
	if len(rawBody) == 0 {
		return nil, errors.New("responses api returned empty response")
	}
	return parseResponseResult(rawBody)
}

func (c *OpenAIClient) toSDKRequest(req Request) (responses.ResponseNewParams, error) {
	var out responses.ResponseNewParams
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = strings.TrimSpace(c.cfg.Model)
	}
	if model != "" {
		out.Model = model
	}
	if instructions := strings.TrimSpace(req.Instructions); instructions != "" {
		out.Instructions = param.NewOpt(instructions)
	}
	items := make(responses.ResponseInputParam, 0, len(req.Input))
	for i, rawItem := range req.Input {
		item, err := toSDKInputItem(rawItem)
		if err != nil {
			return responses.ResponseNewParams{}, fmt.Errorf("invalid response input item[%d]: %w", i, err)
		}
		items = append(items, item)
	}
	out.Input = responses.ResponseNewParamsInputUnion{OfInputItemList: items}
	if len(req.Tools) > 0 {
		tools, err := toSDKTools(req.Tools)
		if err != nil {
			return responses.ResponseNewParams{}, err
		}
		out.Tools = tools
	}
	return out, nil
}

func toSDKInputItem(rawItem any) (responses.ResponseInputItemUnionParam, error) {
	raw, err := json.Marshal(rawItem)
	if err != nil {
		return responses.ResponseInputItemUnionParam{}, fmt.Errorf("marshal response input item failed: %w", err)
	}
	var out responses.ResponseInputItemUnionParam
	if err := json.Unmarshal(raw, &out); err != nil {
		return responses.ResponseInputItemUnionParam{}, fmt.Errorf("decode response input item failed: %w", err)
	}
	return out, nil
}

func toSDKTools(tools []ToolSpec) ([]responses.ToolUnionParam, error) {
	out := make([]responses.ToolUnionParam, 0, len(tools))
	for i, spec := range tools {
		raw, err := json.Marshal(spec)
		if err != nil {
			return nil, fmt.Errorf("marshal response tool[%d] failed: %w", i, err)
		}
		var tool responses.ToolUnionParam
		if err := json.Unmarshal(raw, &tool); err != nil {
			return nil, fmt.Errorf("decode response tool[%d] failed: %w", i, err)
		}
		out = append(out, tool)
	}
	return out, nil
}

type responseContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type responseItem struct {
	Type      string                `json:"type"`
	ID        string                `json:"id"`
	CallID    string                `json:"call_id"`
	Name      string                `json:"name"`
	Arguments string                `json:"arguments"`
	Content   []responseContentPart `json:"content"`
}

type responsePayload struct {
	ID     string         `json:"id"`
	Output []responseItem `json:"output"`
}

func parseResponseResult(raw []byte) (*Result, error) {
	var decoded responsePayload
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}
	out := &Result{ID: strings.TrimSpace(decoded.ID)}
	for _, item := range decoded.Output {
		if strings.TrimSpace(item.Type) == "function_call" {
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				CallID:    strings.TrimSpace(item.CallID),
				Name:      strings.TrimSpace(item.Name),
				Arguments: json.RawMessage(item.Arguments),
			})
			continue
		}
		for _, content := range item.Content {
			if strings.TrimSpace(content.Type) != "output_text" || strings.TrimSpace(content.Text) == "" {
				continue
			}
			if out.FinalText == "" {
				out.FinalText = content.Text
			} else {
				out.FinalText += "\n" + content.Text
			}
		}
	}
	return out, nil
}

func (c *OpenAIClient) wrapRequestError(err error) error {
	var apiErr *responses.Error
	if errors.As(err, &apiErr) {
		body := strings.TrimSpace(apiErr.RawJSON())
		if body == "" {
			body = strings.TrimSpace(err.Error())
		}
		return fmt.Errorf("responses api status %d: %s: %w", apiErr.StatusCode, body, err)
	}
	return fmt.Errorf("responses request failed: %w", err)
}
