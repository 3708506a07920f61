package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"

	"github.com/pavelanni/grader/internal/model"
)

//go:embed templates/*.txt
var templateFS embed.FS

var (
	studentAnswerRegex      = regexp.MustCompile(`(?i)</?\s*student-answer\b[^>]*>`)
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

const maxAnswerRunes = 10000

// Language selects the grading prompt template.
type Language string

const (
	LanguageChinese Language = "zh"
	LanguageEnglish Language = "en"
)

var validLanguages = map[Language]bool{
	LanguageChinese: true,
	LanguageEnglish: true,
}

var noAnswer = map[Language]string{
	LanguageChinese: "[未作答]",
	LanguageEnglish: "[No answer provided]",
}

var (
	loadOnce       sync.Once
	loadErr        error
	gradeTemplates map[Language]*template.Template
)

// IsValidLanguage checks if a prompt language is supported.
func IsValidLanguage(lang string) bool {
	return validLanguages[Language(lang)]
}

// Example is one few-shot exemplar as rendered into the prompt.
type Example struct {
	Index   int
	Answer  string
	Score   string
	Comment string
}

// GradeData holds template data for a grading prompt.
type GradeData struct {
	QuestionText    string
	ReferenceAnswer string
	MaxScore        string
	Criteria        string
	Examples        []Example
	Answer          string
}

// GradeInput is what the judge knows about one subjective question.
type GradeInput struct {
	QuestionText    string
	ReferenceAnswer string
	MaxScore        float64
	Criteria        string
	Examples        []model.FewShotExample
	Answer          string
}

func load() error {
	loadOnce.Do(func() {
		gradeTemplates = make(map[Language]*template.Template)
		for lang := range validLanguages {
			file := "templates/grade_" + string(lang) + ".txt"
			content, err := templateFS.ReadFile(file)
			if err != nil {
				loadErr = errors.New("failed to read prompt file " + file + ": " + err.Error())
				return
			}
			tmpl, err := template.New("grade").Parse(string(content))
			if err != nil {
				loadErr = errors.New("failed to parse prompt template " + file + ": " + err.Error())
				return
			}
			gradeTemplates[lang] = tmpl
		}
	})
	return loadErr
}

// BuildGradePrompt renders the grading prompt: question, reference answer,
// rubric, optional few-shot examples, then the student's answer.
func BuildGradePrompt(lang Language, in GradeInput) (string, error) {
	if err := load(); err != nil {
		return "", fmt.Errorf("templates load failed: %w", err)
	}
	tmpl, ok := gradeTemplates[lang]
	if !ok {
		return "", errors.New("invalid prompt language: " + string(lang))
	}

	data := GradeData{
		QuestionText:    in.QuestionText,
		ReferenceAnswer: in.ReferenceAnswer,
		MaxScore:        FormatScore(in.MaxScore),
		Criteria:        in.Criteria,
		Answer:          sanitizeAnswer(in.Answer, noAnswer[lang]),
	}
	for i, ex := range in.Examples {
		data.Examples = append(data.Examples, Example{
			Index:   i + 1,
			Answer:  sanitizeAnswer(ex.Answer, noAnswer[lang]),
			Score:   FormatScore(ex.Score),
			Comment: ex.Comment,
		})
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// FormatScore prints a score without trailing zeros.
func FormatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func sanitizeAnswer(answer, empty string) string {
	answer = studentAnswerRegex.ReplaceAllString(answer, "")
	answer = systemInstructionsRegex.ReplaceAllString(answer, "")
	answer = strings.TrimSpace(answer)

	if answer == "" {
		return empty
	}

	if utf8.RuneCountInString(answer) > maxAnswerRunes {
		runes := []rune(answer)
		runes = runes[:maxAnswerRunes]
		answer = string(runes) + "\n\n[Answer truncated due to length]"
	}

	return answer
}
