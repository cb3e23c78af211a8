package model

// Section enumerates the two exam sections.
type Section string

const (
	SectionQuantitative Section = "quantitative"
	SectionVerbal       Section = "verbal"
)

// Difficulty enumerates question difficulty buckets.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Difficulties lists the buckets in reporting order.
var Difficulties = []Difficulty{DifficultyEasy, DifficultyMedium, DifficultyHard}

// ChoiceCount is the fixed number of answer choices per question.
const ChoiceCount = 4

// Question is a generated multiple-choice question. Immutable once appended to a session.
type Question struct {
	ID          string     `json:"id"`
	Section     Section    `json:"section"`
	Topic       string     `json:"topic"`
	Difficulty  Difficulty `json:"difficulty"`
	Stem        string     `json:"stem"`
	Choices     []string   `json:"choices"`
	AnswerIndex int        `json:"answer_index"`
	Explanation string     `json:"explanation"`
}

// PublicQuestion is the client-facing projection of a Question.
// AnswerIndex and Explanation are only populated once the question is answered.
type PublicQuestion struct {
	Index       int        `json:"index"`
	ID          string     `json:"id"`
	Section     Section    `json:"section"`
	Topic       string     `json:"topic"`
	Difficulty  Difficulty `json:"difficulty"`
	Stem        string     `json:"stem"`
	Choices     []string   `json:"choices"`
	AnswerIndex *int       `json:"answer_index,omitempty"`
	Explanation *string    `json:"explanation,omitempty"`
}

// Project strips the answer-revealing fields. offset is the question's index in the session.
func (q Question) Project(offset int) PublicQuestion {
	choices := make([]string, len(q.Choices))
	copy(choices, q.Choices)
	return PublicQuestion{
		Index:      offset,
		ID:         q.ID,
		Section:    q.Section,
		Topic:      q.Topic,
		Difficulty: q.Difficulty,
		Stem:       q.Stem,
		Choices:    choices,
	}
}

// Reveal projects the question with its answer and explanation attached.
func (q Question) Reveal(offset int) PublicQuestion {
	p := q.Project(offset)
	answer := q.AnswerIndex
	explanation := q.Explanation
	p.AnswerIndex = &answer
	p.Explanation = &explanation
	return p
}

// ProjectAll projects a run of questions that starts at offset in the session.
func ProjectAll(questions []Question, offset int) []PublicQuestion {
	out := make([]PublicQuestion, 0, len(questions))
	for i, q := range questions {
		out = append(out, q.Project(offset+i))
	}
	return out
}
