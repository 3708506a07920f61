// Package exam loads and validates exam configuration files.
package exam

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/pavelanni/grader/internal/model"
)

const (
	ModeTolerant = "tolerant"
	ModeStrict   = "strict"
)

// File is the on-disk exam configuration.
type File struct {
	ExamID   string                                       `yaml:"exam_id" json:"exam_id"`
	Name     string                                       `yaml:"name" json:"name"`
	Mode     string                                       `yaml:"mode,omitempty" json:"mode,omitempty"`
	Sections []model.SectionSpec                          `yaml:"sections" json:"sections"`
	FewShot  map[model.QuestionKey][]model.FewShotExample `yaml:"few_shot,omitempty" json:"few_shot,omitempty"`
}

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid exam configuration: " + strings.Join(e.Problems, "; ")
}

// Load reads an exam configuration from a YAML file. Sections without an id get
// a freshly minted UUID; minted reports whether that happened so the caller can
// persist the ids with Save.
func Load(path string) (f *File, minted bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false, fmt.Errorf("read exam config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML exam configuration.
func Parse(data []byte) (*File, bool, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, false, fmt.Errorf("parse exam config: %w", err)
	}
	minted := f.MintSectionIDs()
	if err := f.Validate(); err != nil {
		return nil, minted, err
	}
	return &f, minted, nil
}

// Save writes the configuration back as YAML.
func (f *File) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal exam config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write exam config: %w", err)
	}
	return nil
}

// MintSectionIDs assigns a UUID to every section that has none. Ids are never
// derived from position, so reordering sections keeps stored QuestionKeys valid.
func (f *File) MintSectionIDs() bool {
	minted := false
	for i := range f.Sections {
		if strings.TrimSpace(f.Sections[i].ID) == "" {
			f.Sections[i].ID = uuid.NewString()
			minted = true
		}
	}
	return minted
}

// Validate checks the configuration invariants.
func (f *File) Validate() error {
	var problems []string
	if strings.TrimSpace(f.ExamID) == "" {
		problems = append(problems, "exam_id is required")
	}
	switch f.Mode {
	case "", ModeTolerant, ModeStrict:
	default:
		problems = append(problems, fmt.Sprintf("unknown mode %q", f.Mode))
	}
	if len(f.Sections) == 0 {
		problems = append(problems, "at least one section is required")
	}

	seen := make(map[string]bool)
	for i, s := range f.Sections {
		where := fmt.Sprintf("section %d (%s)", i+1, s.DisplayName)
		if seen[s.ID] {
			problems = append(problems, where+": duplicate id "+s.ID)
		}
		seen[s.ID] = true
		if strings.TrimSpace(s.MatchKeyword) == "" {
			problems = append(problems, where+": keyword is required")
		}
		if s.PointsPerQuestion < 0 {
			problems = append(problems, where+": points must not be negative")
		}
		if s.QuestionCount < 1 {
			problems = append(problems, where+": questions must be at least 1")
		}
		if s.Type != model.SectionObjective && s.Type != model.SectionSubjective {
			problems = append(problems, fmt.Sprintf("%s: unknown type %q", where, s.Type))
		}
	}

	for key := range f.FewShot {
		id, _, ok := key.Split()
		if !ok || !seen[id] {
			problems = append(problems, fmt.Sprintf("few_shot: unknown question %q", key))
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Configuration returns the section table used by the parsing pipeline.
func (f *File) Configuration() model.ExamConfiguration {
	sections := make([]model.SectionSpec, len(f.Sections))
	copy(sections, f.Sections)
	return model.ExamConfiguration{Sections: sections}
}

// Strict reports whether missing section keywords reject a document.
func (f *File) Strict() bool {
	return f.Mode == ModeStrict
}
