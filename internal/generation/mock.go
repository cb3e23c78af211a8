package generation

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/examgen-backend/internal/model"
)

// MockGateway produces synthetic questions for local development and tests.
// Content is derived from the session id and batch index, so a retried batch
// gets the same stems but fresh question ids.
type MockGateway struct {
	Latency time.Duration
}

// NewMockGateway creates a MockGateway with the given artificial latency.
func NewMockGateway(latency time.Duration) *MockGateway {
	return &MockGateway{Latency: latency}
}

// Generate implements Gateway.
func (m *MockGateway) Generate(ctx context.Context, req BatchRequest) (*BatchResponse, error) {
	st, err := decodeContext(req.Context)
	if err != nil {
		return nil, err
	}

	if m.Latency > 0 {
		select {
		case <-time.After(m.Latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	h := fnv.New64a()
	fmt.Fprintf(h, "%s/%d", req.SessionID, req.BatchIndex)
	r := rand.New(rand.NewSource(int64(h.Sum64())))

	topics := st.leastUsedTopics(req.Section)
	difficulties := []model.Difficulty{model.DifficultyEasy, model.DifficultyMedium, model.DifficultyMedium, model.DifficultyHard}

	questions := make([]model.Question, 0, req.BatchSize)
	for i := 0; i < req.BatchSize; i++ {
		a, b := r.Intn(90)+10, r.Intn(90)+10
		topic := topics[i%len(topics)]
		answer := r.Intn(model.ChoiceCount)
		step := r.Intn(5) + 1

		choices := make([]string, model.ChoiceCount)
		for c := range choices {
			choices[c] = fmt.Sprintf("%d", a+b+(c-answer)*step)
		}

		q := model.Question{
			ID:          uuid.NewString(),
			Section:     req.Section,
			Topic:       topic,
			Difficulty:  difficulties[r.Intn(len(difficulties))],
			Stem:        fmt.Sprintf("[%s b%d q%d] What is %d + %d?", topic, req.BatchIndex, i, a, b),
			Choices:     choices,
			AnswerIndex: answer,
			Explanation: fmt.Sprintf("%d + %d = %d.", a, b, a+b),
		}
		questions = append(questions, q)
		st.record(q)
	}

	next, err := st.encode()
	if err != nil {
		return nil, err
	}
	return &BatchResponse{Questions: questions, Context: next}, nil
}
