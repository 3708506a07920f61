package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pavelanni/grader/internal/exam"
	"github.com/pavelanni/grader/internal/grading"
	appI18n "github.com/pavelanni/grader/internal/i18n"
	"github.com/pavelanni/grader/internal/model"
	"github.com/pavelanni/grader/internal/sheet"
)

func gradeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grade [flags] SHEET|DIR...",
		Short: "Grade answer sheets against a standard answer document",
		Long: "Grade reads the exam configuration and the standard answer document, parses every\n" +
			"answer sheet given (directories are searched for *.txt files), scores objective\n" +
			"questions by exact match and sends subjective answers to the LLM judge.\n" +
			"Records are stored per exam, replacing earlier records of the same student.",
		Args: cobra.MinimumNArgs(1),
		RunE: runGrade,
	}
	addCommonFlags(cmd)
	addLLMFlags(cmd)
	f := cmd.Flags()
	f.StringP("exam", "e", "exam.yaml", "Exam configuration file (YAML)")
	f.StringP("standard", "s", "", "Standard answer document (required)")
	f.IntP("workers", "w", grading.DefaultWorkers, "Maximum judge calls in flight")
	f.Bool("strict", false, "Reject sheets missing a section keyword instead of skipping the section")
	f.String("header-pattern", "", "Header regexp with named groups id, name, machine (default built from --lang labels)")
	f.Int("header-window", sheet.DefaultHeaderWindow, "Number of leading non-empty lines searched for the header")
	f.String("answer-pattern", sheet.DefaultAnswerPattern, "Objective answer regexp with groups (number)(answer)")
	f.Bool("judge", true, "Grade subjective questions with the LLM (false leaves them pending)")
	_ = cmd.MarkFlagRequired("standard")
	return cmd
}

func runGrade(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	ctx, lang, err := initLanguage(v)
	if err != nil {
		return err
	}

	examPath := v.GetString("exam")
	ef, minted, err := exam.Load(examPath)
	if err != nil {
		var verr *exam.ValidationError
		if errors.As(err, &verr) {
			for _, p := range verr.Problems {
				slog.Error("exam configuration problem", "path", examPath, "problem", p)
			}
		}
		return err
	}
	if minted {
		if err := ef.Save(examPath); err != nil {
			return fmt.Errorf("persist section ids: %w", err)
		}
		slog.Info("assigned ids to new sections", "path", examPath)
	}
	cfg := ef.Configuration()

	headerPattern := v.GetString("header-pattern")
	if headerPattern == "" {
		headerPattern = sheet.HeaderPattern(
			appI18n.T(ctx, "HeaderStudentID"),
			appI18n.T(ctx, "HeaderName"),
			appI18n.T(ctx, "HeaderMachineID"),
		)
	}
	parserOpts := sheet.Options{
		HeaderPattern: headerPattern,
		HeaderWindow:  v.GetInt("header-window"),
		AnswerPattern: v.GetString("answer-pattern"),
		Strict:        v.GetBool("strict") || ef.Strict(),
	}

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	standardPath := v.GetString("standard")
	standardData, err := os.ReadFile(standardPath)
	if err != nil {
		return fmt.Errorf("read standard answers: %w", err)
	}
	key, err := grading.ParseStandard(cfg, parserOpts, standardData)
	if err != nil {
		return fmt.Errorf("parse standard answers %s: %w", standardPath, err)
	}
	hash := sha256sum(standardData)
	prev, err := db.SwapStandardHash(ef.ExamID, hash)
	if err != nil {
		return fmt.Errorf("record standard hash: %w", err)
	}
	if prev != "" && prev != hash {
		slog.Warn("standard answer document changed since the last grading run; earlier records were scored against different answers",
			"exam_id", ef.ExamID, "path", standardPath)
	}

	if err := db.SaveExam(model.Exam{ID: ef.ExamID, Name: ef.Name, Config: cfg}); err != nil {
		return fmt.Errorf("save exam: %w", err)
	}

	var judge grading.Judge
	if v.GetBool("judge") {
		client, err := newLLMClient(v, lang)
		if err != nil {
			return err
		}
		judge = client
	} else {
		slog.Info("judge disabled, subjective questions stay pending")
	}

	g, err := grading.New(cfg, key, judge, grading.Options{
		Workers:     v.GetInt("workers"),
		CallTimeout: v.GetDuration("llm-timeout"),
		Parser:      parserOpts,
		FewShot:     ef.FewShot,
	})
	if err != nil {
		return err
	}

	docs, err := readDocuments(args)
	if err != nil {
		return err
	}
	slog.Info("grading", "exam_id", ef.ExamID, "sheets", len(docs), "questions", len(key),
		"workers", v.GetInt("workers"), "strict", parserOpts.Strict)

	runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	res := g.Run(runCtx, docs)

	if err := db.SaveRecords(ef.ExamID, res.Records); err != nil {
		return fmt.Errorf("save records: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, appI18n.Tp(ctx, "SheetsGraded", len(res.Records)))
	if len(res.Errors) > 0 {
		fmt.Fprintln(out, appI18n.Tp(ctx, "SheetsRejected", len(res.Errors)))
		for _, e := range res.Errors {
			fmt.Fprintf(out, "  %s: %s\n", e.SourceName, e.Reason)
		}
	}
	if len(res.Incomplete) > 0 {
		return fmt.Errorf("grading interrupted, %d sheets not graded: %s",
			len(res.Incomplete), strings.Join(res.Incomplete, ", "))
	}
	return nil
}

// readDocuments loads every file argument; directories contribute their
// *.txt files in name order.
func readDocuments(paths []string) ([]grading.Document, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		matches, err := filepath.Glob(filepath.Join(p, "*.txt"))
		if err != nil {
			return nil, err
		}
		sort.Strings(matches)
		files = append(files, matches...)
	}

	docs := make([]grading.Document, 0, len(files))
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f, err)
		}
		docs = append(docs, grading.Document{Name: filepath.Base(f), Data: data})
	}
	return docs, nil
}
