package grading

import (
	"github.com/pavelanni/grader/internal/model"
	"github.com/pavelanni/grader/internal/sheet"
)

// ScoreObjective awards full points when the normalized answers are equal.
// An unanswered question never matches a non-empty standard answer.
func ScoreObjective(student, standard string, points float64) float64 {
	want := sheet.NormalizeObjective(standard)
	if want == "" {
		return 0
	}
	if sheet.NormalizeObjective(student) != want {
		return 0
	}
	return points
}

func objectiveResult(student, standard string, points float64) model.QuestionResult {
	return model.QuestionResult{
		Score:  ScoreObjective(student, standard, points),
		Status: model.StatusGraded,
	}
}
