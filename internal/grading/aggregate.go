package grading

import (
	"fmt"
	"math"

	"github.com/pavelanni/grader/internal/model"
)

// Aggregate builds one student's ScoreRecord. The standard key defines which
// questions are scored: a question the student skipped still gets a zero entry.
// Subjective questions without an entry in resolved are marked Pending.
func Aggregate(
	identity model.StudentIdentity,
	answers model.StudentAnswers,
	key model.StandardKey,
	cfg model.ExamConfiguration,
	resolved map[model.QuestionKey]model.QuestionResult,
) model.ScoreRecord {
	rec := model.ScoreRecord{
		Identity:        identity,
		PerQuestion:     make(map[model.QuestionKey]model.QuestionResult, len(key)),
		PerSectionTotal: make(map[string]float64, len(cfg.Sections)),
	}
	for _, s := range cfg.Sections {
		rec.PerSectionTotal[s.ID] = 0
	}

	for k, standard := range key {
		sectionID, _, ok := k.Split()
		if !ok {
			continue
		}
		section, ok := cfg.Section(sectionID)
		if !ok {
			continue
		}

		var res model.QuestionResult
		switch section.Type {
		case model.SectionObjective:
			res = objectiveResult(answers[k], standard, section.PointsPerQuestion)
		case model.SectionSubjective:
			r, ok := resolved[k]
			if !ok || r.Status == model.StatusPending {
				res = pendingResult()
			} else {
				res = r
				res.Score = clamp(res.Score, section.PointsPerQuestion)
			}
		default:
			continue
		}
		rec.PerQuestion[k] = res
	}

	recomputeTotals(&rec)
	return rec
}

// Rescore returns a copy of rec in which the result for k is replaced by a
// graded result. The score is clamped to the question's points.
func Rescore(rec model.ScoreRecord, cfg model.ExamConfiguration, k model.QuestionKey, score float64, comment string) (model.ScoreRecord, error) {
	if _, ok := rec.PerQuestion[k]; !ok {
		return model.ScoreRecord{}, fmt.Errorf("question %s is not part of the record for %s", k, rec.Identity.StudentNumber)
	}
	sectionID, _, _ := k.Split()
	section, ok := cfg.Section(sectionID)
	if !ok {
		return model.ScoreRecord{}, fmt.Errorf("unknown section %q", sectionID)
	}

	out := model.ScoreRecord{
		Identity:        rec.Identity,
		SourceName:      rec.SourceName,
		PerQuestion:     make(map[model.QuestionKey]model.QuestionResult, len(rec.PerQuestion)),
		PerSectionTotal: make(map[string]float64, len(rec.PerSectionTotal)),
	}
	for qk, res := range rec.PerQuestion {
		out.PerQuestion[qk] = res
	}
	for id := range rec.PerSectionTotal {
		out.PerSectionTotal[id] = 0
	}
	out.PerQuestion[k] = model.QuestionResult{
		Score:   clamp(score, section.PointsPerQuestion),
		Comment: comment,
		Status:  model.StatusGraded,
	}

	recomputeTotals(&out)
	return out, nil
}

func pendingResult() model.QuestionResult {
	return model.QuestionResult{Comment: model.PendingComment, Status: model.StatusPending}
}

func recomputeTotals(rec *model.ScoreRecord) {
	rec.Total = 0
	for id := range rec.PerSectionTotal {
		rec.PerSectionTotal[id] = 0
	}
	for k, res := range rec.PerQuestion {
		sectionID, _, ok := k.Split()
		if !ok {
			continue
		}
		rec.PerSectionTotal[sectionID] += res.Score
		rec.Total += res.Score
	}
}

func clamp(score, limit float64) float64 {
	if math.IsNaN(score) || score < 0 {
		return 0
	}
	if score > limit {
		return limit
	}
	return score
}
