package sheet

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pavelanni/grader/internal/model"
)

// space matches ASCII whitespace and Unicode space separators such as the
// ideographic space U+3000.
const space = `[\s\p{Zs}]`

// DefaultAnswerPattern matches "1. A", "1.A" and unanswered "1." items. The
// token may contain letters, digits, underscores and CJK ideographs.
const DefaultAnswerPattern = `(\d+)\.` + space + `*([A-Za-z0-9_\x{4e00}-\x{9fa5}]+)?`

var subjectiveStart = regexp.MustCompile(`^(\d+)\.` + space + `*(.*)$`)

// Extractor pulls question answers out of a section region.
type Extractor struct {
	objective *regexp.Regexp
}

// NewExtractor compiles the objective answer pattern. The pattern needs a
// question number group followed by an optional answer group.
func NewExtractor(answerPattern string) (*Extractor, error) {
	if answerPattern == "" {
		answerPattern = DefaultAnswerPattern
	}
	re, err := regexp.Compile(answerPattern)
	if err != nil {
		return nil, fmt.Errorf("compile answer pattern: %w", err)
	}
	if re.NumSubexp() < 2 {
		return nil, fmt.Errorf("answer pattern needs two groups (number, answer), has %d", re.NumSubexp())
	}
	return &Extractor{objective: re}, nil
}

// Extract stores the answers of region r in into, using the strategy of its
// section type. Later occurrences of a question number overwrite earlier ones.
func (e *Extractor) Extract(r Region, into model.StudentAnswers) {
	switch r.Section.Type {
	case model.SectionSubjective:
		extractSubjective(r.Section.ID, r.Text, into)
	default:
		e.extractObjective(r.Section.ID, r.Text, into)
	}
}

func (e *Extractor) extractObjective(sectionID, text string, into model.StudentAnswers) {
	for _, line := range splitLines(text) {
		for _, m := range e.objective.FindAllStringSubmatch(line, -1) {
			n, err := strconv.Atoi(m[1])
			if err != nil {
				continue
			}
			into[model.NewQuestionKey(sectionID, n)] = NormalizeObjective(m[2])
		}
	}
}

func extractSubjective(sectionID, text string, into model.StudentAnswers) {
	current := -1
	var buf []string

	flush := func() {
		if current >= 0 {
			into[model.NewQuestionKey(sectionID, current)] = strings.TrimSpace(strings.Join(buf, "\n"))
		}
	}

	for _, line := range splitLines(text) {
		if m := subjectiveStart.FindStringSubmatch(line); m != nil {
			n, err := strconv.Atoi(m[1])
			if err == nil {
				flush()
				current = n
				buf = buf[:0]
				if rest := strings.TrimSpace(m[2]); rest != "" {
					buf = append(buf, rest)
				}
				continue
			}
		}
		if current >= 0 {
			if trimmed := strings.TrimSpace(line); trimmed != "" {
				buf = append(buf, trimmed)
			}
		}
	}
	flush()
}

// NormalizeObjective trims and upper-cases an objective answer.
func NormalizeObjective(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func splitLines(text string) []string {
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, "\r")
	}
	return lines
}
