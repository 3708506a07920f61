package store

import (
	"fmt"
	"time"

	"github.com/pavelanni/grader/internal/model"
)

// ExportExam builds the export document of an exam from its stored records.
func (s *Store) ExportExam(examID string) (*model.ExamExport, error) {
	exam, err := s.GetExam(examID)
	if err != nil {
		return nil, fmt.Errorf("get exam: %w", err)
	}
	if exam == nil {
		return nil, fmt.Errorf("exam %q not found", examID)
	}

	stored, err := s.loadRecords(examID, "")
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}

	export := &model.ExamExport{
		ExamID:     exam.ID,
		Name:       exam.Name,
		ExportedAt: time.Now().UTC(),
		MaxScore:   exam.Config.MaxScore(),
		Sections:   make([]model.SectionExport, 0, len(exam.Config.Sections)),
		Results:    make([]model.StudentResult, 0, len(stored)),
	}
	for _, sec := range exam.Config.Sections {
		export.Sections = append(export.Sections, model.SectionExport{
			ID:       sec.ID,
			Name:     sec.DisplayName,
			Type:     sec.Type,
			MaxScore: sec.MaxScore(),
		})
	}

	for _, sr := range stored {
		rec := sr.record
		keys := make([]model.QuestionKey, 0, len(rec.PerQuestion))
		for k := range rec.PerQuestion {
			keys = append(keys, k)
		}
		model.SortKeys(keys)

		questions := make([]model.QuestionExport, 0, len(keys))
		for _, k := range keys {
			r := rec.PerQuestion[k]
			questions = append(questions, model.QuestionExport{
				Key:     k,
				Score:   r.Score,
				Status:  r.Status,
				Comment: r.Comment,
			})
		}

		export.Results = append(export.Results, model.StudentResult{
			StudentNumber: rec.Identity.StudentNumber,
			Name:          rec.Identity.Name,
			MachineID:     rec.Identity.MachineID,
			SourceName:    rec.SourceName,
			GradedAt:      sr.gradedAt,
			Questions:     questions,
			SectionTotals: rec.PerSectionTotal,
			Total:         rec.Total,
			PendingCount:  len(rec.Pending()),
		})
	}

	return export, nil
}
