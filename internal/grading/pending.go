package grading

import (
	"sort"

	"github.com/pavelanni/grader/internal/model"
)

// PendingWorklists reports, for every assigned section of the exam, which
// (student, question) pairs are still waiting for a grade. Sections with no
// pending pairs and assignments for other exams are left out. It does not
// modify its inputs.
func PendingWorklists(examID string, records []model.ScoreRecord, assignments []model.Assignment) []model.Worklist {
	sorted := make([]model.ScoreRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Identity.StudentNumber < sorted[j].Identity.StudentNumber
	})

	var lists []model.Worklist
	for _, a := range assignments {
		if a.ExamID != examID {
			continue
		}
		wl := model.Worklist{
			ExamID:    examID,
			SectionID: a.SectionID,
			Marker:    a.Marker,
			Records:   []model.PendingItem{},
		}
		for _, rec := range sorted {
			for _, k := range rec.Pending() {
				if !k.InSection(a.SectionID) {
					continue
				}
				wl.Records = append(wl.Records, model.PendingItem{
					StudentID:   rec.Identity.StudentNumber,
					StudentName: rec.Identity.Name,
					QuestionKey: k,
				})
			}
		}
		if len(wl.Records) == 0 {
			continue
		}
		wl.PendingCount = len(wl.Records)
		lists = append(lists, wl)
	}
	return lists
}

// ForMarker keeps only the worklists assigned to one marker.
func ForMarker(lists []model.Worklist, marker string) []model.Worklist {
	var out []model.Worklist
	for _, wl := range lists {
		if wl.Marker == marker {
			out = append(out, wl)
		}
	}
	return out
}
