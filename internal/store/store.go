// Package store persists exams, score records, markers and section
// assignments in SQLite.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pavelanni/grader/internal/model"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS exams (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		config_json TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS exam_metadata (
		exam_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (exam_id, key)
	);

	CREATE TABLE IF NOT EXISTS score_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		exam_id TEXT NOT NULL,
		student_number TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		machine_id TEXT NOT NULL DEFAULT '',
		source_name TEXT NOT NULL DEFAULT '',
		total REAL NOT NULL DEFAULT 0,
		graded_at DATETIME NOT NULL,
		UNIQUE (exam_id, student_number)
	);

	CREATE TABLE IF NOT EXISTS question_results (
		record_id INTEGER NOT NULL,
		question_key TEXT NOT NULL,
		score REAL NOT NULL DEFAULT 0,
		comment TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		PRIMARY KEY (record_id, question_key),
		FOREIGN KEY (record_id) REFERENCES score_records(id)
	);

	CREATE TABLE IF NOT EXISTS section_totals (
		record_id INTEGER NOT NULL,
		section_id TEXT NOT NULL,
		total REAL NOT NULL DEFAULT 0,
		PRIMARY KEY (record_id, section_id),
		FOREIGN KEY (record_id) REFERENCES score_records(id)
	);

	CREATE TABLE IF NOT EXISTS markers (
		username TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		active INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS marker_assignments (
		exam_id TEXT NOT NULL,
		section_id TEXT NOT NULL,
		marker TEXT NOT NULL,
		PRIMARY KEY (exam_id, section_id),
		FOREIGN KEY (marker) REFERENCES markers(username)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveExam inserts or replaces an exam configuration.
func (s *Store) SaveExam(e model.Exam) error {
	data, err := json.Marshal(e.Config)
	if err != nil {
		return fmt.Errorf("marshal exam config: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO exams (id, name, config_json, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = ?, config_json = ?, updated_at = ?`,
		e.ID, e.Name, string(data), time.Now(), e.Name, string(data), time.Now(),
	)
	return err
}

// GetExam returns an exam by ID, or nil if it does not exist.
func (s *Store) GetExam(id string) (*model.Exam, error) {
	var e model.Exam
	var raw string
	err := s.db.QueryRow(`SELECT id, name, config_json FROM exams WHERE id = ?`, id).Scan(&e.ID, &e.Name, &raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(raw), &e.Config); err != nil {
		return nil, fmt.Errorf("decode config of exam %s: %w", id, err)
	}
	return &e, nil
}

// SaveRecords stores records for an exam in one transaction. A record replaces
// any earlier record of the same student.
func (s *Store) SaveRecords(examID string, recs []model.ScoreRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now()
	for _, rec := range recs {
		if err := saveRecord(tx, examID, rec, now); err != nil {
			return fmt.Errorf("save record %s: %w", rec.Identity.StudentNumber, err)
		}
	}
	return tx.Commit()
}

// SaveRecord stores one record, replacing the student's earlier record.
func (s *Store) SaveRecord(examID string, rec model.ScoreRecord) error {
	return s.SaveRecords(examID, []model.ScoreRecord{rec})
}

func saveRecord(tx *sql.Tx, examID string, rec model.ScoreRecord, gradedAt time.Time) error {
	var oldID int64
	err := tx.QueryRow(
		`SELECT id FROM score_records WHERE exam_id = ? AND student_number = ?`,
		examID, rec.Identity.StudentNumber,
	).Scan(&oldID)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return err
	default:
		for _, q := range []string{
			`DELETE FROM question_results WHERE record_id = ?`,
			`DELETE FROM section_totals WHERE record_id = ?`,
			`DELETE FROM score_records WHERE id = ?`,
		} {
			if _, err := tx.Exec(q, oldID); err != nil {
				return err
			}
		}
	}

	res, err := tx.Exec(
		`INSERT INTO score_records (exam_id, student_number, name, machine_id, source_name, total, graded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		examID, rec.Identity.StudentNumber, rec.Identity.Name, rec.Identity.MachineID,
		rec.SourceName, rec.Total, gradedAt,
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}

	for k, r := range rec.PerQuestion {
		if _, err := tx.Exec(
			`INSERT INTO question_results (record_id, question_key, score, comment, status) VALUES (?, ?, ?, ?, ?)`,
			id, string(k), r.Score, r.Comment, string(r.Status),
		); err != nil {
			return err
		}
	}
	for sectionID, total := range rec.PerSectionTotal {
		if _, err := tx.Exec(
			`INSERT INTO section_totals (record_id, section_id, total) VALUES (?, ?, ?)`,
			id, sectionID, total,
		); err != nil {
			return err
		}
	}
	return nil
}

// storedRecord is a ScoreRecord together with its row metadata.
type storedRecord struct {
	id       int64
	gradedAt time.Time
	record   model.ScoreRecord
}

// LoadRecords returns all records of an exam ordered by student number.
func (s *Store) LoadRecords(examID string) ([]model.ScoreRecord, error) {
	stored, err := s.loadRecords(examID, "")
	if err != nil {
		return nil, err
	}
	recs := make([]model.ScoreRecord, len(stored))
	for i, sr := range stored {
		recs[i] = sr.record
	}
	return recs, nil
}

// GetRecord returns one student's record, or nil if none is stored.
func (s *Store) GetRecord(examID, studentNumber string) (*model.ScoreRecord, error) {
	stored, err := s.loadRecords(examID, studentNumber)
	if err != nil {
		return nil, err
	}
	if len(stored) == 0 {
		return nil, nil
	}
	return &stored[0].record, nil
}

// loadRecords reads records and their details. Rows are fully drained before
// the detail queries run: the pool holds a single connection.
func (s *Store) loadRecords(examID, studentNumber string) ([]storedRecord, error) {
	query := `SELECT id, student_number, name, machine_id, source_name, total, graded_at
		FROM score_records WHERE exam_id = ?`
	args := []any{examID}
	if studentNumber != "" {
		query += ` AND student_number = ?`
		args = append(args, studentNumber)
	}
	query += ` ORDER BY student_number`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	var out []storedRecord
	for rows.Next() {
		var sr storedRecord
		r := &sr.record
		if err := rows.Scan(&sr.id, &r.Identity.StudentNumber, &r.Identity.Name, &r.Identity.MachineID,
			&r.SourceName, &r.Total, &sr.gradedAt); err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, sr)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}

	for i := range out {
		if err := s.loadDetails(out[i].id, &out[i].record); err != nil {
			return nil, fmt.Errorf("load record %d: %w", out[i].id, err)
		}
	}
	return out, nil
}

func (s *Store) loadDetails(recordID int64, rec *model.ScoreRecord) error {
	rec.PerQuestion = make(map[model.QuestionKey]model.QuestionResult)
	rec.PerSectionTotal = make(map[string]float64)

	rows, err := s.db.Query(`SELECT question_key, score, comment, status FROM question_results WHERE record_id = ?`, recordID)
	if err != nil {
		return err
	}
	for rows.Next() {
		var k, status string
		var r model.QuestionResult
		if err := rows.Scan(&k, &r.Score, &r.Comment, &status); err != nil {
			rows.Close()
			return err
		}
		r.Status = model.Status(status)
		rec.PerQuestion[model.QuestionKey(k)] = r
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return err
	}

	rows, err = s.db.Query(`SELECT section_id, total FROM section_totals WHERE record_id = ?`, recordID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var total float64
		if err := rows.Scan(&id, &total); err != nil {
			return err
		}
		rec.PerSectionTotal[id] = total
	}
	return rows.Err()
}

// RecordCount returns the number of records stored for an exam.
func (s *Store) RecordCount(examID string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM score_records WHERE exam_id = ?`, examID).Scan(&count)
	return count, err
}
