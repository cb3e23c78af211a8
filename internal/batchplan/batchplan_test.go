package batchplan

import (
	"errors"
	"testing"

	"github.com/stemsi/examgen-backend/internal/model"
)

func TestPlansSumTo96(t *testing.T) {
	for _, track := range []model.Track{model.TrackScientific, model.TrackLiterary} {
		t.Run(string(track), func(t *testing.T) {
			if got := Total(track); got != 96 {
				t.Errorf("Total(%s) = %d, want 96", track, got)
			}
			if got := Count(track); got != 10 {
				t.Errorf("Count(%s) = %d, want 10", track, got)
			}
		})
	}
}

func TestScientificPlan(t *testing.T) {
	wantSizes := []int{10, 10, 10, 10, 10, 7, 10, 10, 10, 9}
	for i, want := range wantSizes {
		got, err := SizeFor(model.TrackScientific, i)
		if err != nil {
			t.Fatalf("SizeFor(%d): %v", i, err)
		}
		if got != want {
			t.Errorf("SizeFor(%d) = %d, want %d", i, got, want)
		}

		section, _ := SectionFor(model.TrackScientific, i)
		wantSection := model.SectionQuantitative
		if i >= 6 {
			wantSection = model.SectionVerbal
		}
		if section != wantSection {
			t.Errorf("SectionFor(%d) = %s, want %s", i, section, wantSection)
		}
	}

	if got := QuestionsThrough(model.TrackScientific, 2); got != 20 {
		t.Errorf("QuestionsThrough(2) = %d, want 20", got)
	}
	if got := QuestionsThrough(model.TrackScientific, 6); got != 57 {
		t.Errorf("QuestionsThrough(6) = %d, want 57", got)
	}
}

func TestSectionsAreContiguous(t *testing.T) {
	for _, track := range []model.Track{model.TrackScientific, model.TrackLiterary} {
		plan, err := For(track)
		if err != nil {
			t.Fatal(err)
		}
		switches := 0
		for i := 1; i < len(plan); i++ {
			if plan[i].Section != plan[i-1].Section {
				switches++
			}
		}
		if switches != 1 {
			t.Errorf("%s: expected exactly one section switch, got %d", track, switches)
		}
		verbal, err := FirstBatchOf(track, model.SectionVerbal)
		if err != nil || verbal == 0 {
			t.Errorf("%s: FirstBatchOf(verbal) = %d, %v", track, verbal, err)
		}
	}
}

func TestOutOfRange(t *testing.T) {
	tests := []struct {
		name  string
		track model.Track
		index int
		want  error
	}{
		{"negative", model.TrackScientific, -1, ErrIndexOutOfRange},
		{"past end", model.TrackScientific, 10, ErrIndexOutOfRange},
		{"unknown track", model.Track("arts"), 0, ErrUnknownTrack},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := SizeFor(tt.track, tt.index); !errors.Is(err, tt.want) {
				t.Errorf("SizeFor() err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestForReturnsCopy(t *testing.T) {
	plan, _ := For(model.TrackScientific)
	plan[0].Size = 99
	if got, _ := SizeFor(model.TrackScientific, 0); got != 10 {
		t.Fatalf("plan mutated through For(): SizeFor(0) = %d", got)
	}
}
