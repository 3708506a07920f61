// Package report writes exam exports as JSON or as a flat CSV table.
package report

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/pavelanni/grader/internal/i18n"
	"github.com/pavelanni/grader/internal/model"
)

// Format selects the export encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// Write encodes exp in the given format.
func Write(ctx context.Context, w io.Writer, exp *model.ExamExport, format Format) error {
	switch format {
	case FormatJSON, "":
		return WriteJSON(w, exp)
	case FormatCSV:
		return WriteCSV(ctx, w, exp)
	default:
		return fmt.Errorf("unknown export format %q (want json or csv)", format)
	}
}

// WriteJSON writes exp as indented JSON followed by a newline.
func WriteJSON(w io.Writer, exp *model.ExamExport) error {
	data, err := json.MarshalIndent(exp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	_, err = fmt.Fprintln(w)
	return err
}

// WriteCSV writes one row per student: identity columns, a score and a comment
// column per question, one subtotal column per section, then the total.
// Column titles are localized from ctx.
func WriteCSV(ctx context.Context, w io.Writer, exp *model.ExamExport) error {
	keys := questionKeys(exp)

	header := []string{
		i18n.T(ctx, "ColumnStudentNumber"),
		i18n.T(ctx, "ColumnName"),
		i18n.T(ctx, "ColumnMachineID"),
	}
	for _, k := range keys {
		header = append(header, string(k), i18n.Td(ctx, "ColumnComment", map[string]any{"Key": string(k)}))
	}
	for _, s := range exp.Sections {
		name := s.Name
		if name == "" {
			name = s.ID
		}
		header = append(header, name)
	}
	header = append(header, i18n.T(ctx, "ColumnTotal"))

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}

	for _, r := range exp.Results {
		byKey := make(map[model.QuestionKey]model.QuestionExport, len(r.Questions))
		for _, q := range r.Questions {
			byKey[q.Key] = q
		}
		row := []string{r.StudentNumber, r.Name, r.MachineID}
		for _, k := range keys {
			q, ok := byKey[k]
			if !ok {
				row = append(row, "", "")
				continue
			}
			row = append(row, formatScore(q.Score), q.Comment)
		}
		for _, s := range exp.Sections {
			row = append(row, formatScore(r.SectionTotals[s.ID]))
		}
		row = append(row, formatScore(r.Total))
		if err := cw.Write(row); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

// questionKeys is the sorted union of question keys over all results.
func questionKeys(exp *model.ExamExport) []model.QuestionKey {
	seen := make(map[model.QuestionKey]bool)
	var keys []model.QuestionKey
	for _, r := range exp.Results {
		for _, q := range r.Questions {
			if !seen[q.Key] {
				seen[q.Key] = true
				keys = append(keys, q.Key)
			}
		}
	}
	model.SortKeys(keys)
	return keys
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
