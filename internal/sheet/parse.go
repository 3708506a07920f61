// Package sheet extracts student identities and answers from plain-text
// answer sheets.
package sheet

import (
	"github.com/pavelanni/grader/internal/model"
)

// Options configures a Parser. Zero values select the defaults.
type Options struct {
	HeaderPattern string
	HeaderWindow  int
	AnswerPattern string
	// Strict rejects documents that are missing any section keyword instead
	// of silently skipping those sections.
	Strict bool
}

// Sheet is the parsed content of one answer sheet.
type Sheet struct {
	Identity model.StudentIdentity
	Answers  model.StudentAnswers
	// Skipped lists sections whose keyword was not found.
	Skipped []model.SectionSpec
}

// Parser runs header extraction, segmentation and answer extraction. It holds
// no mutable state and is safe for concurrent use.
type Parser struct {
	cfg     model.ExamConfiguration
	header  *HeaderExtractor
	answers *Extractor
	strict  bool
}

// NewParser prepares a parser for one exam configuration.
func NewParser(cfg model.ExamConfiguration, opts Options) (*Parser, error) {
	header, err := NewHeaderExtractor(opts.HeaderPattern, opts.HeaderWindow)
	if err != nil {
		return nil, err
	}
	answers, err := NewExtractor(opts.AnswerPattern)
	if err != nil {
		return nil, err
	}
	return &Parser{cfg: cfg, header: header, answers: answers, strict: opts.Strict}, nil
}

// Parse extracts a student's identity and answers. It fails with
// *MissingHeaderError, or with *SectionNotFoundError in strict mode.
func (p *Parser) Parse(text string) (*Sheet, error) {
	identity, err := p.header.Extract(text)
	if err != nil {
		return nil, err
	}
	answers, skipped, err := p.body(text)
	if err != nil {
		return nil, err
	}
	return &Sheet{Identity: identity, Answers: answers, Skipped: skipped}, nil
}

// ParseStandard extracts the standard key from a standard-answer document.
// The header is optional there. Questions without an answer are left out of
// the key, so a blank in the standard document never awards points.
func (p *Parser) ParseStandard(text string) (model.StandardKey, []model.SectionSpec, error) {
	answers, skipped, err := p.body(text)
	if err != nil {
		return nil, skipped, err
	}
	key := make(model.StandardKey, len(answers))
	for k, v := range answers {
		if v != "" {
			key[k] = v
		}
	}
	return key, skipped, nil
}

func (p *Parser) body(text string) (model.StudentAnswers, []model.SectionSpec, error) {
	regions, skipped, err := Segment(text, p.cfg, p.strict)
	if err != nil {
		return nil, skipped, err
	}
	answers := make(model.StudentAnswers)
	for _, r := range regions {
		p.answers.Extract(r, answers)
	}
	return answers, skipped, nil
}
