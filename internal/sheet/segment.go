package sheet

import (
	"fmt"
	"strings"

	"github.com/pavelanni/grader/internal/model"
)

// Region is the slice of a document belonging to one section.
type Region struct {
	Section model.SectionSpec
	Start   int
	End     int
	Text    string
}

// SectionNotFoundError is returned in strict mode when section keywords are
// missing from a document.
type SectionNotFoundError struct {
	Keywords []string
}

func (e *SectionNotFoundError) Error() string {
	return fmt.Sprintf("section keywords not found: %s", strings.Join(e.Keywords, ", "))
}

// Segment slices text into one region per section whose keyword occurs in it.
// A region starts at the first occurrence of its keyword and ends where the
// next found section keyword starts, or at the end of text. With keywords in
// configuration order that is the start of the following section.
//
// Sections whose keyword is absent are skipped and returned in missing. In
// strict mode any missing keyword is an error instead.
func Segment(text string, cfg model.ExamConfiguration, strict bool) (regions []Region, missing []model.SectionSpec, err error) {
	offsets := make([]int, len(cfg.Sections))
	for i, s := range cfg.Sections {
		offsets[i] = strings.Index(text, s.MatchKeyword)
		if offsets[i] < 0 {
			missing = append(missing, s)
		}
	}

	if strict && len(missing) > 0 {
		keywords := make([]string, len(missing))
		for i, s := range missing {
			keywords[i] = s.MatchKeyword
		}
		return nil, missing, &SectionNotFoundError{Keywords: keywords}
	}

	for i, s := range cfg.Sections {
		start := offsets[i]
		if start < 0 {
			continue
		}
		end := len(text)
		for j := range cfg.Sections {
			if j != i && offsets[j] > start && offsets[j] < end {
				end = offsets[j]
			}
		}
		regions = append(regions, Region{Section: s, Start: start, End: end, Text: text[start:end]})
	}
	return regions, missing, nil
}
