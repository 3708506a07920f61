package model

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// SectionType selects how answers in a section are extracted and scored.
type SectionType string

const (
	// SectionObjective is graded by exact match against the standard answer.
	SectionObjective SectionType = "objective"
	// SectionSubjective is graded by an LLM judge.
	SectionSubjective SectionType = "subjective"
)

// Status is the grading state of a single question.
type Status string

const (
	StatusGraded  Status = "graded"
	StatusPending Status = "pending"
	StatusFailed  Status = "failed"
)

// PendingComment is stored alongside pending results so flat exports stay readable.
// Pending detection uses Status, never this string.
const PendingComment = "⏳ pending"

// StudentIdentity is the header information of an answer sheet.
type StudentIdentity struct {
	StudentNumber string `json:"student_number"`
	Name          string `json:"name"`
	MachineID     string `json:"machine_id"`
}

// SectionSpec describes one scored section of an exam.
type SectionSpec struct {
	ID                string         `json:"id" yaml:"id"`
	MatchKeyword      string         `json:"keyword" yaml:"keyword"`
	DisplayName       string         `json:"name" yaml:"name"`
	PointsPerQuestion float64        `json:"points" yaml:"points"`
	QuestionCount     int            `json:"questions" yaml:"questions"`
	Type              SectionType    `json:"type" yaml:"type"`
	ReferenceAnswer   string         `json:"reference_answer,omitempty" yaml:"reference_answer,omitempty"`
	GradingCriteria   string         `json:"grading_criteria,omitempty" yaml:"grading_criteria,omitempty"`
	QuestionText      map[int]string `json:"question_text,omitempty" yaml:"question_text,omitempty"`
}

// Question returns the prompt text for question n, falling back to the section name.
func (s SectionSpec) Question(n int) string {
	if q := strings.TrimSpace(s.QuestionText[n]); q != "" {
		return q
	}
	return fmt.Sprintf("%s #%d", s.DisplayName, n)
}

// MaxScore is the most a student can earn in this section.
func (s SectionSpec) MaxScore() float64 {
	return s.PointsPerQuestion * float64(s.QuestionCount)
}

// ExamConfiguration is the ordered list of sections of one exam.
type ExamConfiguration struct {
	Sections []SectionSpec `json:"sections"`
}

// Section looks a section up by its id.
func (c ExamConfiguration) Section(id string) (SectionSpec, bool) {
	for _, s := range c.Sections {
		if s.ID == id {
			return s, true
		}
	}
	return SectionSpec{}, false
}

// MaxScore is the sum of all section maxima.
func (c ExamConfiguration) MaxScore() float64 {
	var total float64
	for _, s := range c.Sections {
		total += s.MaxScore()
	}
	return total
}

// Exam is a named exam configuration as persisted by the store.
type Exam struct {
	ID     string            `json:"id"`
	Name   string            `json:"name"`
	Config ExamConfiguration `json:"config"`
}

// QuestionKey joins standard answers, student answers and scores: "{sectionID}-{n}".
type QuestionKey string

// NewQuestionKey builds the key for question n of a section.
func NewQuestionKey(sectionID string, n int) QuestionKey {
	return QuestionKey(sectionID + "-" + strconv.Itoa(n))
}

// Split returns the section id and question number. Section ids may contain dashes,
// so the key is split at the last one.
func (k QuestionKey) Split() (sectionID string, n int, ok bool) {
	i := strings.LastIndex(string(k), "-")
	if i <= 0 {
		return "", 0, false
	}
	n, err := strconv.Atoi(string(k)[i+1:])
	if err != nil {
		return "", 0, false
	}
	return string(k)[:i], n, true
}

// InSection reports whether the key belongs to the given section.
func (k QuestionKey) InSection(sectionID string) bool {
	id, _, ok := k.Split()
	return ok && id == sectionID
}

// StandardKey maps each question to its canonical answer.
type StandardKey map[QuestionKey]string

// StudentAnswers maps each question to the raw extracted answer.
type StudentAnswers map[QuestionKey]string

// FewShotExample is a teacher-graded answer used to calibrate the judge.
type FewShotExample struct {
	Answer  string  `json:"answer" yaml:"answer"`
	Score   float64 `json:"score" yaml:"score"`
	Comment string  `json:"comment" yaml:"comment"`
}

// JudgeRequest is everything the judge sees for one subjective answer.
type JudgeRequest struct {
	Key             QuestionKey
	QuestionText    string
	ReferenceAnswer string
	Criteria        string
	MaxScore        float64
	Answer          string
	Examples        []FewShotExample
}

// QuestionResult is the outcome of grading one question.
type QuestionResult struct {
	Score   float64 `json:"score"`
	Comment string  `json:"comment"`
	Status  Status  `json:"status"`
}

// ScoreRecord is one student's graded exam. It is never modified after it is
// produced; a re-grade creates a new record.
type ScoreRecord struct {
	Identity        StudentIdentity                `json:"identity"`
	SourceName      string                         `json:"source_name,omitempty"`
	PerQuestion     map[QuestionKey]QuestionResult `json:"per_question"`
	PerSectionTotal map[string]float64             `json:"per_section_total"`
	Total           float64                        `json:"total"`
}

// Pending lists the keys of questions still waiting for a grade, sorted.
func (r ScoreRecord) Pending() []QuestionKey {
	var keys []QuestionKey
	for k, res := range r.PerQuestion {
		if res.Status == StatusPending {
			keys = append(keys, k)
		}
	}
	SortKeys(keys)
	return keys
}

// ParseError reports a document that was rejected.
type ParseError struct {
	SourceName string `json:"source_name"`
	Reason     string `json:"reason"`
}

// Assignment hands one section of an exam to a marker.
type Assignment struct {
	ExamID    string `json:"exam_id"`
	SectionID string `json:"section_id"`
	Marker    string `json:"marker"`
}

// Marker is a person who grades subjective sections by hand.
type Marker struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Active      bool   `json:"active"`
}

// PendingItem is one ungraded (student, question) pair.
type PendingItem struct {
	StudentID   string      `json:"student_id"`
	StudentName string      `json:"student_name"`
	QuestionKey QuestionKey `json:"question_key"`
}

// Worklist is the outstanding grading work of one assigned section.
type Worklist struct {
	ExamID       string        `json:"exam_id"`
	SectionID    string        `json:"section_id"`
	Marker       string        `json:"marker"`
	PendingCount int           `json:"pending_count"`
	Records      []PendingItem `json:"records"`
}

// SortKeys orders keys by section id, then numerically by question number.
func SortKeys(keys []QuestionKey) {
	sort.Slice(keys, func(i, j int) bool {
		si, ni, oki := keys[i].Split()
		sj, nj, okj := keys[j].Split()
		if !oki || !okj || si != sj {
			return keys[i] < keys[j]
		}
		return ni < nj
	})
}
