// Package scoring derives section, category and difficulty results from a session's
// question list and its Answer Ledger rows. Nothing here is persisted as primary truth:
// a Snapshot can be recomputed at any time from the same inputs.
package scoring

import (
	"math"
	"sort"

	"github.com/stemsi/examgen-backend/internal/model"
)

// Bucket is a correct/total tally with its rounded percentage.
type Bucket struct {
	Correct    int `json:"correct"`
	Total      int `json:"total"`
	Percentage int `json:"percentage"`
}

func (b *Bucket) add(correct bool) {
	b.Total++
	if correct {
		b.Correct++
	}
}

func (b *Bucket) finish() {
	b.Percentage = Percentage(b.Correct, b.Total)
}

// CategoryScore is the tally for one topic.
type CategoryScore struct {
	Topic string `json:"topic"`
	Bucket
}

// QuestionDetail is the per-question outcome, in original question order.
type QuestionDetail struct {
	Index            int              `json:"index"`
	QuestionID       string           `json:"question_id"`
	Section          model.Section    `json:"section"`
	Topic            string           `json:"topic"`
	Difficulty       model.Difficulty `json:"difficulty"`
	SelectedAnswer   *int             `json:"selected_answer"`
	CorrectAnswer    int              `json:"correct_answer"`
	IsCorrect        bool             `json:"is_correct"`
	TimeSpentSeconds int              `json:"time_spent_seconds"`
}

// Snapshot is the full derived result of a session.
type Snapshot struct {
	Overall          Bucket                      `json:"overall"`
	Sections         map[model.Section]Bucket    `json:"sections"`
	Categories       []CategoryScore             `json:"categories"`
	Difficulties     map[model.Difficulty]Bucket `json:"difficulties"`
	Strengths        []string                    `json:"strengths"`
	Weaknesses       []string                    `json:"weaknesses"`
	Questions        []QuestionDetail            `json:"questions"`
	Answered         int                         `json:"answered"`
	TimeSpentSeconds int                         `json:"time_spent_seconds"`
}

// Policy decides which topics are reported as strengths and weaknesses.
//
// Only topics with at least MinAttempted questions are eligible. Strengths are the TopN
// eligible topics with percentage >= Threshold, best first; weaknesses are the TopN with
// percentage < Threshold, worst first. Ties go to the topic with more questions, then to
// the alphabetically smaller topic.
type Policy struct {
	TopN         int
	MinAttempted int
	Threshold    int
}

// DefaultPolicy is used by the results endpoint.
var DefaultPolicy = Policy{TopN: 3, MinAttempted: 2, Threshold: 50}

// Percentage returns round(100*correct/total), or 0 when total is 0.
func Percentage(correct, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(100 * float64(correct) / float64(total)))
}

// Compute builds a Snapshot. Correctness is recomputed from each answer's selected choice,
// so the stored IsCorrect flag is never trusted. Questions without an answer row count as
// unanswered: they add to every total and to no correct count.
func Compute(questions []model.Question, answers []model.Answer, policy Policy) Snapshot {
	latest := latestByIndex(answers, len(questions))

	snap := Snapshot{
		Sections: map[model.Section]Bucket{
			model.SectionQuantitative: {},
			model.SectionVerbal:       {},
		},
		Difficulties: make(map[model.Difficulty]Bucket, len(model.Difficulties)),
		Strengths:    []string{},
		Weaknesses:   []string{},
		Questions:    make([]QuestionDetail, 0, len(questions)),
	}
	for _, d := range model.Difficulties {
		snap.Difficulties[d] = Bucket{}
	}
	categories := make(map[string]*Bucket)

	for i, q := range questions {
		detail := QuestionDetail{
			Index:         i,
			QuestionID:    q.ID,
			Section:       q.Section,
			Topic:         q.Topic,
			Difficulty:    q.Difficulty,
			CorrectAnswer: q.AnswerIndex,
		}
		if a, ok := latest[i]; ok {
			detail.TimeSpentSeconds = a.TimeSpentSeconds
			if a.SelectedAnswer != nil {
				sel := *a.SelectedAnswer
				detail.SelectedAnswer = &sel
				detail.IsCorrect = sel == q.AnswerIndex
				snap.Answered++
			}
			snap.TimeSpentSeconds += a.TimeSpentSeconds
		}
		snap.Questions = append(snap.Questions, detail)

		snap.Overall.add(detail.IsCorrect)

		sec := snap.Sections[q.Section]
		sec.add(detail.IsCorrect)
		snap.Sections[q.Section] = sec

		diff := snap.Difficulties[q.Difficulty]
		diff.add(detail.IsCorrect)
		snap.Difficulties[q.Difficulty] = diff

		cat, ok := categories[q.Topic]
		if !ok {
			cat = &Bucket{}
			categories[q.Topic] = cat
		}
		cat.add(detail.IsCorrect)
	}

	snap.Overall.finish()
	for k, b := range snap.Sections {
		b.finish()
		snap.Sections[k] = b
	}
	for k, b := range snap.Difficulties {
		b.finish()
		snap.Difficulties[k] = b
	}

	snap.Categories = make([]CategoryScore, 0, len(categories))
	for topic, b := range categories {
		b.finish()
		snap.Categories = append(snap.Categories, CategoryScore{Topic: topic, Bucket: *b})
	}
	sort.Slice(snap.Categories, func(i, j int) bool {
		return snap.Categories[i].Topic < snap.Categories[j].Topic
	})

	snap.Strengths, snap.Weaknesses = policy.classify(snap.Categories)
	return snap
}

// latestByIndex keeps one answer per question index. When the ledger hands back more than
// one row for an index, the most recently updated wins; remaining ties are broken on the
// selected choice so the result does not depend on input order.
func latestByIndex(answers []model.Answer, n int) map[int]model.Answer {
	out := make(map[int]model.Answer, len(answers))
	for _, a := range answers {
		if a.QuestionIndex < 0 || a.QuestionIndex >= n {
			continue
		}
		cur, ok := out[a.QuestionIndex]
		if !ok || newer(a, cur) {
			out[a.QuestionIndex] = a
		}
	}
	return out
}

func newer(a, b model.Answer) bool {
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	av, bv := -1, -1
	if a.SelectedAnswer != nil {
		av = *a.SelectedAnswer
	}
	if b.SelectedAnswer != nil {
		bv = *b.SelectedAnswer
	}
	if av != bv {
		return av > bv
	}
	return a.TimeSpentSeconds > b.TimeSpentSeconds
}

func (p Policy) classify(categories []CategoryScore) (strengths, weaknesses []string) {
	strengths, weaknesses = []string{}, []string{}
	if p.TopN <= 0 {
		return
	}

	eligible := make([]CategoryScore, 0, len(categories))
	for _, c := range categories {
		if c.Total >= p.MinAttempted {
			eligible = append(eligible, c)
		}
	}

	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.Percentage != b.Percentage {
			return a.Percentage > b.Percentage
		}
		if a.Total != b.Total {
			return a.Total > b.Total
		}
		return a.Topic < b.Topic
	})
	for _, c := range eligible {
		if len(strengths) == p.TopN || c.Percentage < p.Threshold {
			break
		}
		strengths = append(strengths, c.Topic)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.Percentage != b.Percentage {
			return a.Percentage < b.Percentage
		}
		if a.Total != b.Total {
			return a.Total > b.Total
		}
		return a.Topic < b.Topic
	})
	for _, c := range eligible {
		if len(weaknesses) == p.TopN || c.Percentage >= p.Threshold {
			break
		}
		weaknesses = append(weaknesses, c.Topic)
	}
	return strengths, weaknesses
}
