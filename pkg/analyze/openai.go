package analyze

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"golang.org/x/time/rate"

	"github.com/chatdigest/chatdigest/pkg/batch"
)

const extractionPrompt = `You are analyzing a slice of group chat activity.
Extract the main discussion topics and the most memorable quotes.
For each topic give a short name, a one-sentence detail, and the sender ids involved.
For each quote give the exact text and the sender id.
Return JSON only.`

// extractionResponse mirrors the structured output schema requested from
// the model.
type extractionResponse struct {
	Topics []struct {
		Topic          string   `json:"topic"`
		Detail         string   `json:"detail"`
		ParticipantIDs []string `json:"participant_ids"`
	} `json:"topics"`
	Quotes []struct {
		Text     string `json:"text"`
		SenderID string `json:"sender_id"`
		Reason   string `json:"reason"`
	} `json:"quotes"`
}

var extractionSchema = generateSchema[extractionResponse]()

// OpenAIConfig holds settings for the OpenAI-backed extractor.
type OpenAIConfig struct {
	APIKey string
	Model  string

	// MinRequestGap spaces successive API calls; zero disables limiting
	MinRequestGap time.Duration
}

// OpenAIExtractor implements Extractor against the OpenAI responses API
// with strict JSON-schema output. A rate limiter spaces calls so many
// concurrent subjects cannot burst the API.
type OpenAIExtractor struct {
	client  openai.Client
	model   string
	limiter *rate.Limiter
}

// NewOpenAIExtractor creates an extractor. Model defaults to gpt-4o-mini
// when empty.
func NewOpenAIExtractor(cfg OpenAIConfig) *OpenAIExtractor {
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	limit := rate.Inf
	if cfg.MinRequestGap > 0 {
		limit = rate.Every(cfg.MinRequestGap)
	}
	return &OpenAIExtractor{
		client:  openai.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:   model,
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Extract runs one extraction pass over text.
func (e *OpenAIExtractor) Extract(ctx context.Context, text string, topicLimit, quoteLimit int) (Result, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return Result{}, fmt.Errorf("%w: rate limiter: %v", ErrAnalysis, err)
	}

	instructions := fmt.Sprintf("%s\nExtract at most %d topics and %d quotes.",
		extractionPrompt, topicLimit, quoteLimit)

	params := responses.ResponseNewParams{
		Model:        e.model,
		Instructions: openai.String(instructions),
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: []responses.ResponseInputItemUnionParam{
				responses.ResponseInputItemParamOfMessage(text, responses.EasyInputMessageRoleUser),
			},
		},
		Text: responses.ResponseTextConfigParam{
			Format: responses.ResponseFormatTextConfigUnionParam{
				OfJSONSchema: &responses.ResponseFormatTextJSONSchemaConfigParam{
					Name:        "ChatExtraction",
					Schema:      extractionSchema,
					Strict:      openai.Bool(true),
					Description: openai.String("Topics and quotes extracted from chat text"),
					Type:        "json_schema",
				},
			},
		},
	}

	resp, err := e.callWithRetry(ctx, params)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrAnalysis, err)
	}

	var out extractionResponse
	if err := json.Unmarshal([]byte(strings.TrimSpace(resp.OutputText())), &out); err != nil {
		return Result{}, fmt.Errorf("%w: unmarshal model output: %v", ErrAnalysis, err)
	}

	result := Result{TokenCost: int(resp.Usage.TotalTokens)}
	for _, t := range out.Topics {
		if len(result.Topics) >= topicLimit {
			break
		}
		result.Topics = append(result.Topics, batch.Topic{
			Text:           t.Topic,
			Detail:         t.Detail,
			ParticipantIDs: t.ParticipantIDs,
		})
	}
	for _, q := range out.Quotes {
		if len(result.Quotes) >= quoteLimit {
			break
		}
		quote := batch.Quote{Text: q.Text}
		if q.SenderID != "" {
			quote.ParticipantIDs = []string{q.SenderID}
		}
		if q.Reason != "" {
			quote.Metadata = map[string]string{"reason": q.Reason}
		}
		result.Quotes = append(result.Quotes, quote)
	}

	return result, nil
}

func (e *OpenAIExtractor) callWithRetry(ctx context.Context, params responses.ResponseNewParams) (*responses.Response, error) {
	const maxRetries = 3
	waitTimes := []time.Duration{5 * time.Second, 30 * time.Second, 60 * time.Second}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		resp, err := e.client.Responses.New(ctx, params)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !isRetryableError(err) || attempt == maxRetries-1 {
			break
		}
		select {
		case <-time.After(waitTimes[attempt]):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "429") ||
		strings.Contains(s, "rate limit") ||
		strings.Contains(s, "too many requests") ||
		strings.Contains(s, "500") ||
		strings.Contains(s, "server_error")
}

func generateSchema[T any]() map[string]interface{} {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties:  false,
		DoNotReference:             true,
		RequiredFromJSONSchemaTags: true,
	}
	var v T
	schema := reflector.Reflect(v)

	raw, err := json.Marshal(schema)
	if err != nil {
		panic(err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(err)
	}
	return out
}
