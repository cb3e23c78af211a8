package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/examgen-backend/internal/model"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIGateway generates batches through an OpenAI-compatible chat completion API.
type OpenAIGateway struct {
	api     *openai.Client
	model   string
	timeout time.Duration
	log     zerolog.Logger
}

// NewOpenAIGateway creates a gateway. baseURL may be empty for the public API.
func NewOpenAIGateway(baseURL, apiKey, modelName string, timeout time.Duration, log zerolog.Logger) *OpenAIGateway {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIGateway{
		api:     openai.NewClientWithConfig(cfg),
		model:   modelName,
		timeout: timeout,
		log:     log.With().Str("component", "openai_gateway").Logger(),
	}
}

type generatedQuestion struct {
	Topic       string   `json:"topic"`
	Difficulty  string   `json:"difficulty"`
	Stem        string   `json:"stem"`
	Choices     []string `json:"choices"`
	AnswerIndex int      `json:"answer_index"`
	Explanation string   `json:"explanation"`
}

type generatedBatch struct {
	Questions []generatedQuestion `json:"questions"`
}

// Generate asks the model for one batch. The call is bounded by the gateway timeout, after
// which it fails like any other generation error.
func (g *OpenAIGateway) Generate(ctx context.Context, req BatchRequest) (*BatchResponse, error) {
	st, err := decodeContext(req.Context)
	if err != nil {
		return nil, err
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	// Ask for a couple of spares so duplicates can be dropped without a second round trip.
	want := req.BatchSize + 2

	resp, err := g.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: buildSystemPrompt()},
			{Role: openai.ChatMessageRoleUser, Content: buildBatchPrompt(req, st, want)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.8,
	})
	if err != nil {
		return nil, fmt.Errorf("LLM API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("LLM returned no choices")
	}

	raw := resp.Choices[0].Message.Content
	g.log.Debug().
		Str("session_id", req.SessionID.String()).
		Int("batch_index", req.BatchIndex).
		Int("prompt_tokens", resp.Usage.PromptTokens).
		Int("completion_tokens", resp.Usage.CompletionTokens).
		Msg("LLM batch response")

	questions, err := parseBatch(raw, req, st)
	if err != nil {
		return nil, err
	}

	for _, q := range questions {
		st.record(q)
	}
	next, err := st.encode()
	if err != nil {
		return nil, err
	}
	return &BatchResponse{Questions: questions, Context: next}, nil
}

// parseBatch decodes the model output, drops malformed or repeated questions and trims the
// result to the requested size.
func parseBatch(raw string, req BatchRequest, st *contextState) ([]model.Question, error) {
	var out generatedBatch
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("parse LLM response: %w", err)
	}

	questions := make([]model.Question, 0, req.BatchSize)
	batchSeen := make(map[string]bool, len(out.Questions))
	for _, gq := range out.Questions {
		if len(questions) == req.BatchSize {
			break
		}
		if len(gq.Choices) != model.ChoiceCount || gq.AnswerIndex < 0 || gq.AnswerIndex >= model.ChoiceCount {
			continue
		}
		if strings.TrimSpace(gq.Stem) == "" {
			continue
		}
		fp := fingerprint(gq.Stem)
		if st.seen(fp) || batchSeen[fp] {
			continue
		}
		batchSeen[fp] = true

		questions = append(questions, model.Question{
			ID:          uuid.NewString(),
			Section:     req.Section,
			Topic:       normalizeTopic(gq.Topic, req.Section),
			Difficulty:  normalizeDifficulty(gq.Difficulty),
			Stem:        strings.TrimSpace(gq.Stem),
			Choices:     gq.Choices,
			AnswerIndex: gq.AnswerIndex,
			Explanation: gq.Explanation,
		})
	}

	if len(questions) < req.BatchSize {
		return nil, fmt.Errorf("%w: %d usable questions, want %d", ErrInvalidBatch, len(questions), req.BatchSize)
	}
	return questions, nil
}

func normalizeTopic(topic string, section model.Section) string {
	t := strings.ToLower(strings.TrimSpace(topic))
	t = strings.ReplaceAll(t, " ", "_")
	for _, known := range Topics[section] {
		if t == known {
			return t
		}
	}
	if t == "" {
		return Topics[section][0]
	}
	return t
}

func normalizeDifficulty(d string) model.Difficulty {
	switch model.Difficulty(strings.ToLower(strings.TrimSpace(d))) {
	case model.DifficultyEasy:
		return model.DifficultyEasy
	case model.DifficultyHard:
		return model.DifficultyHard
	default:
		return model.DifficultyMedium
	}
}

func buildSystemPrompt() string {
	var sb strings.Builder
	sb.WriteString("You are an exam author writing multiple-choice questions for a timed aptitude exam.\n")
	sb.WriteString("Every question has exactly four choices and exactly one correct answer.\n")
	sb.WriteString("Questions must be self-contained, unambiguous and must not require diagrams.\n")
	sb.WriteString("Respond ONLY with a JSON object of the form:\n")
	sb.WriteString(`{"questions": [{"topic": "<topic>", "difficulty": "easy|medium|hard", "stem": "<question>", "choices": ["<a>", "<b>", "<c>", "<d>"], "answer_index": <0-3>, "explanation": "<why>"}]}`)
	sb.WriteString("\n")
	return sb.String()
}

func buildBatchPrompt(req BatchRequest, st *contextState, count int) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("TRACK: %s\n", req.Track))
	sb.WriteString(fmt.Sprintf("SECTION: %s\n", req.Section))
	sb.WriteString(fmt.Sprintf("NUMBER OF QUESTIONS: %d\n", count))
	sb.WriteString("DIFFICULTY MIX: roughly 30% easy, 50% medium, 20% hard.\n")
	sb.WriteString("TOPICS (prefer the ones listed first): " + strings.Join(st.leastUsedTopics(req.Section), ", ") + "\n")

	if len(st.RecentStems) > 0 {
		sb.WriteString("\nDo NOT repeat or paraphrase any of these earlier questions:\n")
		for _, stem := range st.RecentStems {
			sb.WriteString("- " + stem + "\n")
		}
	}
	return sb.String()
}
