package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/pavelanni/grader/internal/model"
)

// AddMarker inserts a marker or updates the display name and active flag of
// an existing one.
func (s *Store) AddMarker(m model.Marker) error {
	_, err := s.db.Exec(
		`INSERT INTO markers (username, display_name, active, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(username) DO UPDATE SET display_name = ?, active = ?`,
		m.Username, m.DisplayName, m.Active, time.Now(), m.DisplayName, m.Active,
	)
	if err != nil {
		slog.Error("failed to add marker", "username", m.Username, "error", err)
		return err
	}
	slog.Info("saved marker", "username", m.Username, "active", m.Active)
	return nil
}

// GetMarker returns a marker by username, or nil if not found.
func (s *Store) GetMarker(username string) (*model.Marker, error) {
	var m model.Marker
	err := s.db.QueryRow(
		`SELECT username, display_name, active FROM markers WHERE username = ?`, username,
	).Scan(&m.Username, &m.DisplayName, &m.Active)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMarkers returns all markers.
func (s *Store) ListMarkers() ([]model.Marker, error) {
	rows, err := s.db.Query(`SELECT username, display_name, active FROM markers ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var markers []model.Marker
	for rows.Next() {
		var m model.Marker
		if err := rows.Scan(&m.Username, &m.DisplayName, &m.Active); err != nil {
			return nil, err
		}
		markers = append(markers, m)
	}
	return markers, rows.Err()
}

// ToggleMarkerActive flips the active flag on a marker.
func (s *Store) ToggleMarkerActive(username string) error {
	_, err := s.db.Exec(`UPDATE markers SET active = NOT active WHERE username = ?`, username)
	return err
}

// Assign hands a section of an exam to a marker, replacing any earlier
// assignment of that section. Only active markers can be assigned.
func (s *Store) Assign(a model.Assignment) error {
	m, err := s.GetMarker(a.Marker)
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("unknown marker %q", a.Marker)
	}
	if !m.Active {
		return fmt.Errorf("marker %q is inactive", a.Marker)
	}
	_, err = s.db.Exec(
		`INSERT INTO marker_assignments (exam_id, section_id, marker) VALUES (?, ?, ?)
		 ON CONFLICT(exam_id, section_id) DO UPDATE SET marker = ?`,
		a.ExamID, a.SectionID, a.Marker, a.Marker,
	)
	return err
}

// Unassign removes the assignment of a section.
func (s *Store) Unassign(examID, sectionID string) error {
	_, err := s.db.Exec(`DELETE FROM marker_assignments WHERE exam_id = ? AND section_id = ?`, examID, sectionID)
	return err
}

// ListAssignments returns the section assignments of an exam.
func (s *Store) ListAssignments(examID string) ([]model.Assignment, error) {
	rows, err := s.db.Query(
		`SELECT exam_id, section_id, marker FROM marker_assignments WHERE exam_id = ? ORDER BY section_id`, examID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Assignment
	for rows.Next() {
		var a model.Assignment
		if err := rows.Scan(&a.ExamID, &a.SectionID, &a.Marker); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
