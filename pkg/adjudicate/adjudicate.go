// Package adjudicate breaks dedupe ties that scoring cannot settle,
// using a small LLM call per ambiguous pair.
package adjudicate

import (
	"context"
	"encoding/json"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/leadflow/internal/dedupe"
	"github.com/sells-group/leadflow/internal/model"
)

const systemPrompt = `You decide whether two business records describe the same real-world business.
Consider name variants, entity suffixes, shared phone numbers and addresses.
Answer with exactly one word: MERGE if they are the same business, REJECT if they are not.`

// Messenger is the single-completion surface the judge needs.
type Messenger interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// anthropicMessenger implements Messenger over the official SDK.
type anthropicMessenger struct {
	client sdk.Client
	model  string
}

// NewAnthropicMessenger creates a Messenger backed by the Anthropic API.
func NewAnthropicMessenger(apiKey, model string) Messenger {
	return &anthropicMessenger{
		client: sdk.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

func (m *anthropicMessenger) Complete(ctx context.Context, system, user string) (string, error) {
	msg, err := m.client.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(m.model),
		MaxTokens: 16,
		System:    []sdk.TextBlockParam{{Text: system}},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(user)),
		},
	})
	if err != nil {
		return "", eris.Wrap(err, "adjudicate: create message")
	}
	var sb strings.Builder
	for _, block := range msg.Content {
		sb.WriteString(block.Text)
	}
	return sb.String(), nil
}

// LLMJudge adjudicates ambiguous pairs through a rate-limited LLM call.
// Each pair is judged exactly once; the verdict is final.
type LLMJudge struct {
	messenger Messenger
	limiter   *rate.Limiter
}

// NewLLMJudge creates an LLMJudge. requestsPerSec caps the call rate.
func NewLLMJudge(m Messenger, requestsPerSec float64) *LLMJudge {
	if requestsPerSec <= 0 {
		requestsPerSec = 2
	}
	return &LLMJudge{
		messenger: m,
		limiter:   rate.NewLimiter(rate.Limit(requestsPerSec), 1),
	}
}

// Adjudicate asks the model whether the pair is the same business. An
// unparseable answer rejects; merging on a guess is the worse mistake.
func (j *LLMJudge) Adjudicate(ctx context.Context, a, b *model.BusinessRecord) (dedupe.Verdict, error) {
	if err := j.limiter.Wait(ctx); err != nil {
		return dedupe.VerdictReject, eris.Wrap(err, "adjudicate: rate limit wait")
	}

	prompt, err := buildPrompt(a, b)
	if err != nil {
		return dedupe.VerdictReject, err
	}

	out, err := j.messenger.Complete(ctx, systemPrompt, prompt)
	if err != nil {
		return dedupe.VerdictReject, err
	}

	answer := strings.ToUpper(strings.TrimSpace(out))
	switch {
	case strings.HasPrefix(answer, "MERGE"):
		return dedupe.VerdictMerge, nil
	case strings.HasPrefix(answer, "REJECT"):
		return dedupe.VerdictReject, nil
	default:
		zap.L().Warn("adjudicate: unparseable verdict, rejecting",
			zap.String("a", a.ID),
			zap.String("b", b.ID),
			zap.String("answer", answer),
		)
		return dedupe.VerdictReject, nil
	}
}

func buildPrompt(a, b *model.BusinessRecord) (string, error) {
	aJSON, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return "", eris.Wrap(err, "adjudicate: marshal record")
	}
	bJSON, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return "", eris.Wrap(err, "adjudicate: marshal record")
	}

	var sb strings.Builder
	sb.WriteString("Record A:\n")
	sb.Write(aJSON)
	sb.WriteString("\n\nRecord B:\n")
	sb.Write(bJSON)
	sb.WriteString("\n\nSame business?")
	return sb.String(), nil
}

// RejectAll is the no-credentials fallback judge: every ambiguous pair
// stays unmerged.
type RejectAll struct{}

func (RejectAll) Adjudicate(ctx context.Context, a, b *model.BusinessRecord) (dedupe.Verdict, error) {
	return dedupe.VerdictReject, nil
}
