// Package batchplan maps a track and batch index to the batch size and section.
// The mapping is fixed per track so a resumed session always reproduces the same structure.
package batchplan

import (
	"errors"
	"fmt"

	"github.com/stemsi/examgen-backend/internal/model"
)

var (
	ErrUnknownTrack      = errors.New("unknown track")
	ErrIndexOutOfRange   = errors.New("batch index out of range")
	ErrSectionNotPlanned = errors.New("section has no batches in plan")
)

// Slot is one batch in a track's plan.
type Slot struct {
	Size    int
	Section model.Section
}

// Each track is 96 questions in ten batches; the last batch of a section absorbs the remainder.
var plans = map[model.Track][]Slot{
	model.TrackScientific: {
		{10, model.SectionQuantitative},
		{10, model.SectionQuantitative},
		{10, model.SectionQuantitative},
		{10, model.SectionQuantitative},
		{10, model.SectionQuantitative},
		{7, model.SectionQuantitative},
		{10, model.SectionVerbal},
		{10, model.SectionVerbal},
		{10, model.SectionVerbal},
		{9, model.SectionVerbal},
	},
	model.TrackLiterary: {
		{10, model.SectionQuantitative},
		{10, model.SectionQuantitative},
		{10, model.SectionQuantitative},
		{9, model.SectionQuantitative},
		{10, model.SectionVerbal},
		{10, model.SectionVerbal},
		{10, model.SectionVerbal},
		{10, model.SectionVerbal},
		{10, model.SectionVerbal},
		{7, model.SectionVerbal},
	},
}

// For returns a copy of the track's plan.
func For(track model.Track) ([]Slot, error) {
	p, ok := plans[track]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTrack, track)
	}
	out := make([]Slot, len(p))
	copy(out, p)
	return out, nil
}

// SlotFor returns the size and section of batch index for track.
func SlotFor(track model.Track, index int) (Slot, error) {
	p, ok := plans[track]
	if !ok {
		return Slot{}, fmt.Errorf("%w: %q", ErrUnknownTrack, track)
	}
	if index < 0 || index >= len(p) {
		return Slot{}, fmt.Errorf("%w: %d not in [0,%d)", ErrIndexOutOfRange, index, len(p))
	}
	return p[index], nil
}

// SizeFor returns the number of questions in batch index.
func SizeFor(track model.Track, index int) (int, error) {
	s, err := SlotFor(track, index)
	return s.Size, err
}

// SectionFor returns the section batch index belongs to.
func SectionFor(track model.Track, index int) (model.Section, error) {
	s, err := SlotFor(track, index)
	return s.Section, err
}

// Count returns the number of batches in the track's plan (0 for an unknown track).
func Count(track model.Track) int {
	return len(plans[track])
}

// Total returns the number of questions across the whole plan.
func Total(track model.Track) int {
	return QuestionsThrough(track, Count(track))
}

// QuestionsThrough returns how many questions the first n batches hold. A session with
// GeneratedBatches == n must hold exactly this many questions.
func QuestionsThrough(track model.Track, n int) int {
	p := plans[track]
	if n > len(p) {
		n = len(p)
	}
	total := 0
	for i := 0; i < n; i++ {
		total += p[i].Size
	}
	return total
}

// FirstBatchOf returns the first batch index that belongs to section.
func FirstBatchOf(track model.Track, section model.Section) (int, error) {
	p, ok := plans[track]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownTrack, track)
	}
	for i, s := range p {
		if s.Section == section {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrSectionNotPlanned, section)
}
