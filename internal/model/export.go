package model

import "time"

// ExamExport is the top-level JSON structure for exam result export.
type ExamExport struct {
	ExamID     string          `json:"exam_id"`
	Name       string          `json:"name"`
	ExportedAt time.Time       `json:"exported_at"`
	MaxScore   float64         `json:"max_score"`
	Sections   []SectionExport `json:"sections"`
	Results    []StudentResult `json:"results"`
}

// SectionExport describes one section in an export.
type SectionExport struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Type     SectionType `json:"type"`
	MaxScore float64     `json:"max_score"`
}

// StudentResult holds one student's graded record for export.
type StudentResult struct {
	StudentNumber string             `json:"student_number"`
	Name          string             `json:"name"`
	MachineID     string             `json:"machine_id"`
	SourceName    string             `json:"source_name,omitempty"`
	GradedAt      time.Time          `json:"graded_at"`
	Questions     []QuestionExport   `json:"questions"`
	SectionTotals map[string]float64 `json:"section_totals"`
	Total         float64            `json:"total"`
	PendingCount  int                `json:"pending_count"`
}

// QuestionExport holds per-question data for export.
type QuestionExport struct {
	Key     QuestionKey `json:"key"`
	Score   float64     `json:"score"`
	Status  Status      `json:"status"`
	Comment string      `json:"comment,omitempty"`
}
