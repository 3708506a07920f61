package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pavelanni/grader/internal/grading"
	"github.com/pavelanni/grader/internal/model"
)

func pendingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List ungraded subjective questions per assigned section",
		RunE:  runPending,
	}
	addCommonFlags(cmd)
	f := cmd.Flags()
	f.String("exam-id", "", "Exam identifier (required)")
	f.String("marker", "", "Only show worklists assigned to this marker")
	_ = cmd.MarkFlagRequired("exam-id")
	return cmd
}

func assignCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assign",
		Short: "Assign a section of an exam to a marker",
		RunE:  runAssign,
	}
	addCommonFlags(cmd)
	f := cmd.Flags()
	f.String("exam-id", "", "Exam identifier (required)")
	f.String("section", "", "Section id (required)")
	f.String("marker", "", "Marker username; empty removes the assignment")
	_ = cmd.MarkFlagRequired("exam-id")
	_ = cmd.MarkFlagRequired("section")
	return cmd
}

func markerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "marker",
		Short: "Manage markers",
	}

	add := &cobra.Command{
		Use:   "add USERNAME",
		Short: "Add or update a marker",
		Args:  cobra.ExactArgs(1),
		RunE:  runMarkerAdd,
	}
	addCommonFlags(add)
	add.Flags().String("name", "", "Display name")

	list := &cobra.Command{
		Use:   "list",
		Short: "List markers",
		RunE:  runMarkerList,
	}
	addCommonFlags(list)

	toggle := &cobra.Command{
		Use:   "toggle USERNAME",
		Short: "Activate or deactivate a marker",
		Args:  cobra.ExactArgs(1),
		RunE:  runMarkerToggle,
	}
	addCommonFlags(toggle)

	cmd.AddCommand(add, list, toggle)
	return cmd
}

func markCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mark",
		Short: "Record a manual score for one question of one student",
		RunE:  runMark,
	}
	addCommonFlags(cmd)
	f := cmd.Flags()
	f.String("exam-id", "", "Exam identifier (required)")
	f.String("student", "", "Student number (required)")
	f.String("question", "", "Question key, e.g. <section-id>-3 (required)")
	f.Float64("score", 0, "Score to award (clamped to the question's points)")
	f.String("comment", "", "Marker comment")
	_ = cmd.MarkFlagRequired("exam-id")
	_ = cmd.MarkFlagRequired("student")
	_ = cmd.MarkFlagRequired("question")
	_ = cmd.MarkFlagRequired("score")
	return cmd
}

func runPending(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	examID := v.GetString("exam-id")
	records, err := db.LoadRecords(examID)
	if err != nil {
		return fmt.Errorf("load records: %w", err)
	}
	assignments, err := db.ListAssignments(examID)
	if err != nil {
		return fmt.Errorf("list assignments: %w", err)
	}

	lists := grading.PendingWorklists(examID, records, assignments)
	if marker := v.GetString("marker"); marker != "" {
		lists = grading.ForMarker(lists, marker)
	}
	if lists == nil {
		lists = []model.Worklist{}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(lists)
}

func runAssign(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	examID, sectionID := v.GetString("exam-id"), v.GetString("section")
	e, err := db.GetExam(examID)
	if err != nil {
		return err
	}
	if e == nil {
		return fmt.Errorf("exam %q not found; grade it first", examID)
	}
	if _, ok := e.Config.Section(sectionID); !ok {
		return fmt.Errorf("exam %q has no section %q", examID, sectionID)
	}

	marker := v.GetString("marker")
	if marker == "" {
		if err := db.Unassign(examID, sectionID); err != nil {
			return err
		}
		slog.Info("removed assignment", "exam_id", examID, "section", sectionID)
		return nil
	}
	if err := db.Assign(model.Assignment{ExamID: examID, SectionID: sectionID, Marker: marker}); err != nil {
		return err
	}
	slog.Info("assigned section", "exam_id", examID, "section", sectionID, "marker", marker)
	return nil
}

func runMarkerAdd(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	return db.AddMarker(model.Marker{Username: args[0], DisplayName: v.GetString("name"), Active: true})
}

func runMarkerList(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	markers, err := db.ListMarkers()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "USERNAME\tNAME\tACTIVE")
	for _, m := range markers {
		fmt.Fprintf(tw, "%s\t%s\t%t\n", m.Username, m.DisplayName, m.Active)
	}
	return tw.Flush()
}

func runMarkerToggle(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	m, err := db.GetMarker(args[0])
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("unknown marker %q", args[0])
	}
	if err := db.ToggleMarkerActive(args[0]); err != nil {
		return err
	}
	slog.Info("toggled marker", "username", args[0], "active", !m.Active)
	return nil
}

func runMark(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	examID, student := v.GetString("exam-id"), v.GetString("student")
	e, err := db.GetExam(examID)
	if err != nil {
		return err
	}
	if e == nil {
		return fmt.Errorf("exam %q not found", examID)
	}
	rec, err := db.GetRecord(examID, student)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("no record for student %q in exam %q", student, examID)
	}

	key := model.QuestionKey(v.GetString("question"))
	updated, err := grading.Rescore(*rec, e.Config, key, v.GetFloat64("score"), v.GetString("comment"))
	if err != nil {
		return err
	}
	if err := db.SaveRecord(examID, updated); err != nil {
		return fmt.Errorf("save record: %w", err)
	}
	slog.Info("recorded manual score",
		"exam_id", examID,
		"student", student,
		"question", key,
		"score", updated.PerQuestion[key].Score,
		"total", updated.Total,
	)
	return nil
}
