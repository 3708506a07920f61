package report

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"reflect"
	"testing"

	"github.com/pavelanni/grader/internal/i18n"
	"github.com/pavelanni/grader/internal/model"
)

func testExport() *model.ExamExport {
	return &model.ExamExport{
		ExamID:   "final",
		Name:     "Final",
		MaxScore: 10,
		Sections: []model.SectionExport{
			{ID: "1", Name: "Choice", Type: model.SectionObjective, MaxScore: 4},
			{ID: "2", Name: "Essay", Type: model.SectionSubjective, MaxScore: 6},
		},
		Results: []model.StudentResult{
			{
				StudentNumber: "001", Name: "张三", MachineID: "A1",
				Questions: []model.QuestionExport{
					{Key: "1-1", Score: 2, Status: model.StatusGraded},
					{Key: "1-2", Score: 0, Status: model.StatusGraded},
					{Key: "2-1", Score: 4.5, Status: model.StatusGraded, Comment: "good, but short"},
				},
				SectionTotals: map[string]float64{"1": 2, "2": 4.5},
				Total:         6.5,
			},
			{
				StudentNumber: "002", Name: "李四", MachineID: "A2",
				Questions: []model.QuestionExport{
					{Key: "1-1", Score: 0, Status: model.StatusGraded},
					{Key: "2-1", Score: 0, Status: model.StatusPending, Comment: model.PendingComment},
				},
				SectionTotals: map[string]float64{"1": 0, "2": 0},
				PendingCount:  1,
			},
		},
	}
}

func TestWriteCSV(t *testing.T) {
	if err := i18n.Init("zh"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	ctx := i18n.WithLanguage(context.Background(), "zh")

	var buf bytes.Buffer
	if err := WriteCSV(ctx, &buf, testExport()); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read back CSV: %v", err)
	}
	want := [][]string{
		{"学号", "姓名", "机号", "1-1", "1-1 评语", "1-2", "1-2 评语", "2-1", "2-1 评语", "Choice", "Essay", "总分"},
		{"001", "张三", "A1", "2", "", "0", "", "4.5", "good, but short", "2", "4.5", "6.5"},
		{"002", "李四", "A2", "0", "", "", "", "0", model.PendingComment, "0", "0", "0"},
	}
	if !reflect.DeepEqual(rows, want) {
		t.Errorf("CSV rows =\n%q\nwant\n%q", rows, want)
	}
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(context.Background(), &buf, testExport(), FormatJSON); err != nil {
		t.Fatalf("Write: %v", err)
	}
	var got model.ExamExport
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if got.ExamID != "final" || len(got.Results) != 2 {
		t.Errorf("decoded export = %+v", got)
	}
}

func TestWriteUnknownFormat(t *testing.T) {
	if err := Write(context.Background(), &bytes.Buffer{}, testExport(), "xml"); err == nil {
		t.Error("expected error for unknown format")
	}
}
