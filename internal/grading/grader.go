// Package grading scores parsed answer sheets: objective items by exact
// match, subjective items through a Judge running on a bounded worker pool.
package grading

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/grader/internal/model"
	"github.com/pavelanni/grader/internal/sheet"
)

// DefaultWorkers is the default number of judge calls in flight per batch.
const DefaultWorkers = 4

// Judge grades one subjective answer. Implementations never fail: errors
// are reported as a QuestionResult with StatusFailed.
type Judge interface {
	Grade(ctx context.Context, req model.JudgeRequest) model.QuestionResult
}

// StudentMatcher resolves a parsed header to a canonical student.
type StudentMatcher interface {
	Match(studentNumber, name string) (model.StudentIdentity, bool)
}

// Options configures a Grader.
type Options struct {
	// Workers bounds the judge calls in flight across the whole batch.
	Workers int
	// CallTimeout bounds each judge call. Zero leaves it to the judge.
	CallTimeout time.Duration
	Parser      sheet.Options
	FewShot     map[model.QuestionKey][]model.FewShotExample
	Matcher     StudentMatcher
}

// Document is one raw answer sheet.
type Document struct {
	Name string
	Data []byte
}

// Result is the outcome of a batch. Records and Errors follow document order.
type Result struct {
	Records []model.ScoreRecord
	Errors  []model.ParseError
	// Incomplete names documents whose records were withheld because the
	// batch was cancelled before all their judge calls were dispatched.
	Incomplete []string
}

// Grader runs grading passes for one exam. The configuration and standard key
// are read-only for its lifetime, so Run may be called concurrently.
type Grader struct {
	cfg    model.ExamConfiguration
	key    model.StandardKey
	parser *sheet.Parser
	judge  Judge
	opts   Options
}

// New prepares a grader. A nil judge leaves every subjective question Pending.
func New(cfg model.ExamConfiguration, key model.StandardKey, judge Judge, opts Options) (*Grader, error) {
	parser, err := sheet.NewParser(cfg, opts.Parser)
	if err != nil {
		return nil, err
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	return &Grader{cfg: cfg, key: key, parser: parser, judge: judge, opts: opts}, nil
}

type parsed struct {
	doc    Document
	sheet  *sheet.Sheet
	err    error
	jobs   []model.QuestionKey
	judged []model.QuestionResult
	sent   int
}

type job struct {
	student int
	slot    int
}

// Run grades a batch of documents. Documents that fail to parse are reported
// in Result.Errors; every other document yields a ScoreRecord once all its
// judge calls have resolved.
//
// Cancelling ctx stops dispatching new judge calls. Calls already in flight
// run to completion or to their own timeout.
func (g *Grader) Run(ctx context.Context, docs []Document) Result {
	sheets := g.parseAll(docs)

	var jobs []job
	if g.judge != nil {
		jobs = g.schedule(sheets)
	}

	var eg errgroup.Group
	eg.SetLimit(g.opts.Workers)
	for _, j := range jobs {
		if ctx.Err() != nil {
			break
		}
		p := sheets[j.student]
		req := g.request(p.jobs[j.slot], p.sheet.Answers)
		p.sent++
		eg.Go(func() error {
			callCtx := context.WithoutCancel(ctx)
			if g.opts.CallTimeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(callCtx, g.opts.CallTimeout)
				defer cancel()
			}
			p.judged[j.slot] = g.judge.Grade(callCtx, req)
			return nil
		})
	}
	_ = eg.Wait()

	var res Result
	for _, p := range sheets {
		if p.err != nil {
			slog.Warn("answer sheet rejected", "source", p.doc.Name, "error", p.err)
			res.Errors = append(res.Errors, model.ParseError{SourceName: p.doc.Name, Reason: p.err.Error()})
			continue
		}
		if g.judge != nil && p.sent < len(p.jobs) {
			res.Incomplete = append(res.Incomplete, p.doc.Name)
			continue
		}
		resolved := make(map[model.QuestionKey]model.QuestionResult, len(p.judged))
		for i, k := range p.jobs {
			if g.judge != nil {
				resolved[k] = p.judged[i]
			}
		}
		rec := Aggregate(p.sheet.Identity, p.sheet.Answers, g.key, g.cfg, resolved)
		rec.SourceName = p.doc.Name
		res.Records = append(res.Records, rec)
	}

	slog.Info("batch graded",
		"documents", len(docs),
		"records", len(res.Records),
		"rejected", len(res.Errors),
		"incomplete", len(res.Incomplete),
		"judge_calls", len(jobs),
	)
	return res
}

// parseAll parses every document in parallel. Each goroutine writes only its
// own slot.
func (g *Grader) parseAll(docs []Document) []*parsed {
	out := make([]*parsed, len(docs))
	var eg errgroup.Group
	eg.SetLimit(runtime.GOMAXPROCS(0))
	for i, d := range docs {
		out[i] = &parsed{doc: d}
		eg.Go(func() error {
			g.parseOne(out[i])
			return nil
		})
	}
	_ = eg.Wait()
	return out
}

func (g *Grader) parseOne(p *parsed) {
	text, fallback := sheet.Decode(p.doc.Data)
	if fallback {
		slog.Warn("answer sheet is not valid UTF-8, decoded as GBK", "source", p.doc.Name)
	}
	sh, err := g.parser.Parse(text)
	if err != nil {
		p.err = err
		return
	}
	for _, s := range sh.Skipped {
		slog.Debug("section keyword not found", "source", p.doc.Name, "section", s.ID, "keyword", s.MatchKeyword)
	}
	if g.opts.Matcher != nil {
		if m, ok := g.opts.Matcher.Match(sh.Identity.StudentNumber, sh.Identity.Name); ok {
			if m.MachineID == "" {
				m.MachineID = sh.Identity.MachineID
			}
			sh.Identity = m
		}
	}
	p.sheet = sh

	for k := range g.key {
		sectionID, _, ok := k.Split()
		if !ok {
			continue
		}
		if s, ok := g.cfg.Section(sectionID); ok && s.Type == model.SectionSubjective {
			p.jobs = append(p.jobs, k)
		}
	}
	model.SortKeys(p.jobs)
	p.judged = make([]model.QuestionResult, len(p.jobs))
}

// schedule interleaves judge calls round-robin across students, so a student
// with many subjective questions does not hold up everyone behind them.
func (g *Grader) schedule(sheets []*parsed) []job {
	var jobs []job
	for round := 0; ; round++ {
		added := false
		for i, p := range sheets {
			if p.err != nil || round >= len(p.jobs) {
				continue
			}
			jobs = append(jobs, job{student: i, slot: round})
			added = true
		}
		if !added {
			return jobs
		}
	}
}

func (g *Grader) request(k model.QuestionKey, answers model.StudentAnswers) model.JudgeRequest {
	sectionID, n, _ := k.Split()
	section, _ := g.cfg.Section(sectionID)
	reference := g.key[k]
	if reference == "" {
		reference = section.ReferenceAnswer
	}
	return model.JudgeRequest{
		Key:             k,
		QuestionText:    section.Question(n),
		ReferenceAnswer: reference,
		Criteria:        section.GradingCriteria,
		MaxScore:        section.PointsPerQuestion,
		Answer:          answers[k],
		Examples:        g.opts.FewShot[k],
	}
}

// ParseStandard builds the standard key from a standard-answer document.
func ParseStandard(cfg model.ExamConfiguration, opts sheet.Options, data []byte) (model.StandardKey, error) {
	parser, err := sheet.NewParser(cfg, opts)
	if err != nil {
		return nil, err
	}
	text, fallback := sheet.Decode(data)
	if fallback {
		slog.Warn("standard answer document is not valid UTF-8, decoded as GBK")
	}
	key, skipped, err := parser.ParseStandard(text)
	if err != nil {
		return nil, err
	}
	for _, s := range skipped {
		slog.Warn("section missing from standard answers", "section", s.ID, "keyword", s.MatchKeyword)
	}
	if len(key) == 0 {
		return nil, errors.New("standard answer document contains no answers")
	}
	for _, m := range questionCountMismatches(cfg, key) {
		slog.Warn("standard answers disagree with the configured question count; exported maximum scores will be off",
			"section", m.SectionID, "configured", m.Configured, "found", m.Found)
	}
	return key, nil
}

type countMismatch struct {
	SectionID  string
	Configured int
	Found      int
}

// questionCountMismatches lists sections whose number of standard answers
// differs from QuestionCount. Sections absent from the key are not reported.
func questionCountMismatches(cfg model.ExamConfiguration, key model.StandardKey) []countMismatch {
	found := make(map[string]int)
	for k := range key {
		if id, _, ok := k.Split(); ok {
			found[id]++
		}
	}
	var out []countMismatch
	for _, s := range cfg.Sections {
		n := found[s.ID]
		if n == 0 || n == s.QuestionCount {
			continue
		}
		out = append(out, countMismatch{SectionID: s.ID, Configured: s.QuestionCount, Found: n})
	}
	return out
}
