// Package generation adapts the external question generator. It owns the generation
// context payload; callers treat model.GenerationContext as an opaque token.
package generation

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/stemsi/examgen-backend/internal/model"
)

// ContextVersion is the payload layout written by this package.
const ContextVersion = 1

var (
	ErrInvalidBatch       = errors.New("generator returned an invalid batch")
	ErrUnsupportedContext = errors.New("unsupported generation context version")
)

// BatchRequest describes one batch to generate.
type BatchRequest struct {
	SessionID  uuid.UUID
	BatchIndex int
	BatchSize  int
	Section    model.Section
	Track      model.Track
	Context    model.GenerationContext
}

// BatchResponse carries the generated questions and the context for the next call.
type BatchResponse struct {
	Questions []model.Question
	Context   model.GenerationContext
}

// Gateway generates one batch of questions. Implementations hold no per-session state.
type Gateway interface {
	Generate(ctx context.Context, req BatchRequest) (*BatchResponse, error)
}

// Topics lists the topics the generator is steered across, per section.
var Topics = map[model.Section][]string{
	model.SectionQuantitative: {"arithmetic", "algebra", "geometry", "statistics", "probability", "number_sense"},
	model.SectionVerbal:       {"analogies", "sentence_completion", "reading_comprehension", "antonyms", "grammar"},
}

// ─── Context payload ─────────────────────────────────────────────────

// contextState is the payload threaded between batches to avoid repeated content.
type contextState struct {
	UsedIDs      []string       `json:"used_ids"`
	Fingerprints []string       `json:"fingerprints"`
	RecentStems  []string       `json:"recent_stems"`
	TopicCounts  map[string]int `json:"topic_counts"`
}

const maxRecentStems = 20

func decodeContext(c model.GenerationContext) (*contextState, error) {
	st := &contextState{TopicCounts: map[string]int{}}
	if c.Version == 0 && len(c.Payload) == 0 {
		return st, nil
	}
	if c.Version != ContextVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedContext, c.Version)
	}
	if err := json.Unmarshal(c.Payload, st); err != nil {
		return nil, fmt.Errorf("decode generation context: %w", err)
	}
	if st.TopicCounts == nil {
		st.TopicCounts = map[string]int{}
	}
	return st, nil
}

func (st *contextState) seen(fp string) bool {
	for _, f := range st.Fingerprints {
		if f == fp {
			return true
		}
	}
	return false
}

func (st *contextState) record(q model.Question) {
	st.UsedIDs = append(st.UsedIDs, q.ID)
	st.Fingerprints = append(st.Fingerprints, fingerprint(q.Stem))
	st.RecentStems = append(st.RecentStems, truncate(q.Stem, 120))
	if len(st.RecentStems) > maxRecentStems {
		st.RecentStems = st.RecentStems[len(st.RecentStems)-maxRecentStems:]
	}
	st.TopicCounts[q.Topic]++
}

func (st *contextState) encode() (model.GenerationContext, error) {
	raw, err := json.Marshal(st)
	if err != nil {
		return model.GenerationContext{}, fmt.Errorf("encode generation context: %w", err)
	}
	return model.GenerationContext{Version: ContextVersion, Payload: raw}, nil
}

// leastUsedTopics orders section topics by how rarely they have appeared so far.
func (st *contextState) leastUsedTopics(section model.Section) []string {
	topics := append([]string(nil), Topics[section]...)
	for i := 1; i < len(topics); i++ {
		for j := i; j > 0 && st.TopicCounts[topics[j]] < st.TopicCounts[topics[j-1]]; j-- {
			topics[j], topics[j-1] = topics[j-1], topics[j]
		}
	}
	return topics
}

func fingerprint(stem string) string {
	norm := strings.Join(strings.Fields(strings.ToLower(stem)), " ")
	sum := sha1.Sum([]byte(norm))
	return hex.EncodeToString(sum[:8])
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// ─── Validation ──────────────────────────────────────────────────────

// ValidateBatch checks a gateway result against the request before it may be appended.
func ValidateBatch(req BatchRequest, resp *BatchResponse) error {
	if resp == nil {
		return fmt.Errorf("%w: empty response", ErrInvalidBatch)
	}
	if len(resp.Questions) != req.BatchSize {
		return fmt.Errorf("%w: got %d questions, want %d", ErrInvalidBatch, len(resp.Questions), req.BatchSize)
	}
	ids := make(map[string]struct{}, len(resp.Questions))
	for i, q := range resp.Questions {
		switch {
		case q.ID == "":
			return fmt.Errorf("%w: question %d has no id", ErrInvalidBatch, i)
		case q.Section != req.Section:
			return fmt.Errorf("%w: question %d section %q, want %q", ErrInvalidBatch, i, q.Section, req.Section)
		case len(q.Choices) != model.ChoiceCount:
			return fmt.Errorf("%w: question %d has %d choices", ErrInvalidBatch, i, len(q.Choices))
		case q.AnswerIndex < 0 || q.AnswerIndex >= model.ChoiceCount:
			return fmt.Errorf("%w: question %d answer index %d", ErrInvalidBatch, i, q.AnswerIndex)
		case strings.TrimSpace(q.Stem) == "":
			return fmt.Errorf("%w: question %d has empty stem", ErrInvalidBatch, i)
		}
		switch q.Difficulty {
		case model.DifficultyEasy, model.DifficultyMedium, model.DifficultyHard:
		default:
			return fmt.Errorf("%w: question %d difficulty %q", ErrInvalidBatch, i, q.Difficulty)
		}
		if _, dup := ids[q.ID]; dup {
			return fmt.Errorf("%w: duplicate question id %s", ErrInvalidBatch, q.ID)
		}
		ids[q.ID] = struct{}{}
	}
	return nil
}
