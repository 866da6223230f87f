// Package llm scores input suspicion with the Anthropic Messages API.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"querybot/internal/domain"
	"querybot/internal/heuristic"
)

const DefaultModel = "claude-sonnet-4-5-20250929"

const systemPrompt = `You review short abbreviated commands typed into a business query system.
Each command is lowercase letters, digits, spaces, "=" and {placeholders}; users type terse codes such as "t bnk p cm" or "a2b=2 e4s=3".
Decide how likely the command is a typo or otherwise not what the user meant.

Reply with a single JSON object and nothing else:
{"suspicion_score": <0..1>, "confidence_score": <0..1>, "recommended_action": "proceed" | "suggest_correction" | "confirm"}`

type Usage struct {
	InputTokens              int64
	OutputTokens             int64
	CacheCreationInputTokens int64
	CacheReadInputTokens     int64
}

// Predictor implements heuristic.Predictor.
type Predictor struct {
	client anthropic.Client
	model  string
	logger *zap.Logger
}

func NewPredictor(apiKey, model string, httpClient *http.Client, logger *zap.Logger, opts ...option.RequestOption) *Predictor {
	if model == "" {
		model = DefaultModel
	}
	base := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if httpClient != nil {
		base = append(base, option.WithHTTPClient(httpClient))
	}
	return &Predictor{
		client: anthropic.NewClient(append(base, opts...)...),
		model:  model,
		logger: logger,
	}
}

func (p *Predictor) Predict(ctx context.Context, f heuristic.Features) (domain.Prediction, error) {
	text, usage, err := p.call(ctx, buildUserPrompt(f))
	if err != nil {
		return domain.Prediction{}, err
	}
	p.logger.Debug("llm prediction",
		zap.String("model", p.model),
		zap.Int64("tokens_in", usage.InputTokens),
		zap.Int64("tokens_out", usage.OutputTokens))
	return ParsePrediction(text)
}

func buildUserPrompt(f heuristic.Features) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Department: %s\n", f.Department)
	fmt.Fprintf(&b, "Command: %q\n", f.Input)
	if f.PatternMatched == 1 {
		b.WriteString("The command matched a known department pattern.\n")
	} else {
		b.WriteString("The command matched no known department pattern.\n")
	}
	fmt.Fprintf(&b, "User's recent success rate: %.2f\n", f.RecentSuccessRate)
	if f.SeenBefore == 1 {
		b.WriteString("The user has run this exact command successfully before.\n")
	}
	return b.String()
}

func (p *Predictor) call(ctx context.Context, userPrompt string) (string, Usage, error) {
	message, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: 256,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt, CacheControl: anthropic.NewCacheControlEphemeralParam()},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return "", Usage{}, fmt.Errorf("anthropic api: %w: %w", domain.ErrUnavailable, err)
	}
	usage := Usage{
		InputTokens:              message.Usage.InputTokens,
		OutputTokens:             message.Usage.OutputTokens,
		CacheCreationInputTokens: message.Usage.CacheCreationInputTokens,
		CacheReadInputTokens:     message.Usage.CacheReadInputTokens,
	}
	for _, block := range message.Content {
		if block.Type == "text" {
			return block.Text, usage, nil
		}
	}
	return "", usage, fmt.Errorf("no text content in anthropic response")
}

// ParsePrediction decodes the model's JSON reply, tolerating a code fence.
func ParsePrediction(responseText string) (domain.Prediction, error) {
	responseText = strings.TrimSpace(responseText)
	responseText = strings.TrimPrefix(responseText, "```json")
	responseText = strings.TrimPrefix(responseText, "```")
	responseText = strings.TrimSuffix(responseText, "```")
	responseText = strings.TrimSpace(responseText)

	var pred domain.Prediction
	if err := json.Unmarshal([]byte(responseText), &pred); err != nil {
		return domain.Prediction{}, fmt.Errorf("parsing llm prediction: %w (response: %s)", err, responseText)
	}
	if !domain.ValidScore(pred.SuspicionScore) || !domain.ValidScore(pred.ConfidenceScore) {
		return domain.Prediction{}, fmt.Errorf("llm prediction scores out of range: %+v", pred)
	}
	switch pred.RecommendedAction {
	case domain.ActionProceed, domain.ActionCorrect, domain.ActionConfirm:
	default:
		pred.RecommendedAction = domain.ActionConfirm
		if pred.SuspicionScore <= heuristic.SuspicionThreshold {
			pred.RecommendedAction = domain.ActionProceed
		}
	}
	return pred, nil
}
