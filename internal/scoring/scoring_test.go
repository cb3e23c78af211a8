package scoring

import (
	"math/rand"
	"reflect"
	"testing"
	"time"

	"github.com/stemsi/examgen-backend/internal/model"
)

func intPtr(v int) *int { return &v }

func q(id string, section model.Section, topic string, diff model.Difficulty, answer int) model.Question {
	return model.Question{
		ID:          id,
		Section:     section,
		Topic:       topic,
		Difficulty:  diff,
		Stem:        "stem " + id,
		Choices:     []string{"a", "b", "c", "d"},
		AnswerIndex: answer,
	}
}

func ans(index int, selected *int, at time.Time) model.Answer {
	return model.Answer{QuestionIndex: index, SelectedAnswer: selected, TimeSpentSeconds: 10, UpdatedAt: at}
}

func fixture() ([]model.Question, []model.Answer) {
	t0 := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	questions := []model.Question{
		q("q0", model.SectionQuantitative, "algebra", model.DifficultyEasy, 0),
		q("q1", model.SectionQuantitative, "algebra", model.DifficultyMedium, 1),
		q("q2", model.SectionQuantitative, "geometry", model.DifficultyHard, 2),
		q("q3", model.SectionQuantitative, "geometry", model.DifficultyEasy, 3),
		q("q4", model.SectionVerbal, "analogies", model.DifficultyMedium, 0),
		q("q5", model.SectionVerbal, "analogies", model.DifficultyHard, 1),
		q("q6", model.SectionVerbal, "reading", model.DifficultyEasy, 2),
	}
	answers := []model.Answer{
		ans(0, intPtr(0), t0), // correct
		ans(1, intPtr(1), t0), // correct
		ans(2, intPtr(0), t0), // wrong
		// q3 unanswered
		ans(4, intPtr(0), t0), // correct
		ans(5, nil, t0),       // skipped
		ans(6, intPtr(2), t0), // correct
	}
	return questions, answers
}

func TestComputeSections(t *testing.T) {
	questions, answers := fixture()
	snap := Compute(questions, answers, DefaultPolicy)

	tests := []struct {
		name string
		got  Bucket
		want Bucket
	}{
		{"overall", snap.Overall, Bucket{Correct: 4, Total: 7, Percentage: 57}},
		{"quantitative", snap.Sections[model.SectionQuantitative], Bucket{Correct: 2, Total: 4, Percentage: 50}},
		{"verbal", snap.Sections[model.SectionVerbal], Bucket{Correct: 2, Total: 3, Percentage: 67}},
		{"easy", snap.Difficulties[model.DifficultyEasy], Bucket{Correct: 2, Total: 3, Percentage: 67}},
		{"medium", snap.Difficulties[model.DifficultyMedium], Bucket{Correct: 2, Total: 2, Percentage: 100}},
		{"hard", snap.Difficulties[model.DifficultyHard], Bucket{Correct: 0, Total: 2, Percentage: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %+v, want %+v", tt.got, tt.want)
			}
		})
	}

	if snap.Answered != 5 {
		t.Errorf("Answered = %d, want 5", snap.Answered)
	}
}

func TestComputeUnansweredCountsTowardTotal(t *testing.T) {
	questions, _ := fixture()
	snap := Compute(questions, nil, DefaultPolicy)

	if snap.Overall.Total != len(questions) || snap.Overall.Correct != 0 {
		t.Fatalf("overall = %+v, want 0/%d", snap.Overall, len(questions))
	}
	for _, d := range snap.Questions {
		if d.IsCorrect || d.SelectedAnswer != nil {
			t.Errorf("question %d should be unanswered: %+v", d.Index, d)
		}
	}
	if len(snap.Strengths) != 0 {
		t.Errorf("no strengths expected with zero correct, got %v", snap.Strengths)
	}
}

func TestComputeRecomputesCorrectness(t *testing.T) {
	questions, _ := fixture()
	lying := []model.Answer{{QuestionIndex: 2, SelectedAnswer: intPtr(0), IsCorrect: true}}

	snap := Compute(questions, lying, DefaultPolicy)
	if snap.Questions[2].IsCorrect {
		t.Fatal("stored IsCorrect must not be trusted")
	}
}

func TestComputeOrderIndependent(t *testing.T) {
	questions, answers := fixture()
	want := Compute(questions, answers, DefaultPolicy)

	r := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		shuffled := append([]model.Answer(nil), answers...)
		r.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		got := Compute(questions, shuffled, DefaultPolicy)
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("permutation %d changed the snapshot", i)
		}
	}
}

func TestComputeLatestAnswerWins(t *testing.T) {
	questions, _ := fixture()
	t0 := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	answers := []model.Answer{
		ans(2, intPtr(2), t0.Add(time.Minute)), // newer, correct
		ans(2, intPtr(0), t0),
	}
	snap := Compute(questions, answers, DefaultPolicy)
	if !snap.Questions[2].IsCorrect {
		t.Fatal("expected the most recent answer to be scored")
	}
	if snap.Overall.Correct != 1 {
		t.Fatalf("duplicate rows must not double count: %+v", snap.Overall)
	}
}

func TestComputeIgnoresOutOfRangeAnswers(t *testing.T) {
	questions, _ := fixture()
	snap := Compute(questions, []model.Answer{ans(99, intPtr(0), time.Time{}), ans(-1, intPtr(0), time.Time{})}, DefaultPolicy)
	if snap.Answered != 0 {
		t.Fatalf("Answered = %d, want 0", snap.Answered)
	}
}

func TestComputePreservesQuestionOrder(t *testing.T) {
	questions, answers := fixture()
	snap := Compute(questions, answers, DefaultPolicy)
	for i, d := range snap.Questions {
		if d.Index != i || d.QuestionID != questions[i].ID {
			t.Fatalf("detail %d = %+v", i, d)
		}
	}
}

func TestPercentage(t *testing.T) {
	tests := []struct {
		correct, total, want int
	}{
		{0, 0, 0},
		{1, 3, 33},
		{2, 3, 67},
		{1, 2, 50},
		{1, 8, 13}, // 12.5 rounds half away from zero
		{96, 96, 100},
	}
	for _, tt := range tests {
		if got := Percentage(tt.correct, tt.total); got != tt.want {
			t.Errorf("Percentage(%d, %d) = %d, want %d", tt.correct, tt.total, got, tt.want)
		}
	}
}

func TestPolicyClassify(t *testing.T) {
	categories := []CategoryScore{
		{Topic: "algebra", Bucket: Bucket{Correct: 9, Total: 10, Percentage: 90}},
		{Topic: "geometry", Bucket: Bucket{Correct: 4, Total: 5, Percentage: 80}},
		{Topic: "statistics", Bucket: Bucket{Correct: 8, Total: 10, Percentage: 80}},
		{Topic: "probability", Bucket: Bucket{Correct: 3, Total: 5, Percentage: 60}},
		{Topic: "reading", Bucket: Bucket{Correct: 1, Total: 5, Percentage: 20}},
		{Topic: "grammar", Bucket: Bucket{Correct: 2, Total: 5, Percentage: 40}},
		{Topic: "analogies", Bucket: Bucket{Correct: 0, Total: 1, Percentage: 0}}, // below MinAttempted
	}

	strengths, weaknesses := DefaultPolicy.classify(categories)

	wantStrengths := []string{"algebra", "statistics", "geometry"}
	if !reflect.DeepEqual(strengths, wantStrengths) {
		t.Errorf("strengths = %v, want %v", strengths, wantStrengths)
	}
	wantWeaknesses := []string{"reading", "grammar"}
	if !reflect.DeepEqual(weaknesses, wantWeaknesses) {
		t.Errorf("weaknesses = %v, want %v", weaknesses, wantWeaknesses)
	}
}

func TestPolicyDisabled(t *testing.T) {
	questions, answers := fixture()
	snap := Compute(questions, answers, Policy{})
	if len(snap.Strengths) != 0 || len(snap.Weaknesses) != 0 {
		t.Fatalf("zero policy should classify nothing, got %v / %v", snap.Strengths, snap.Weaknesses)
	}
}
