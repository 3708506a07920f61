package store

import (
	"database/sql"
)

// MetaStandardHash holds the SHA-256 of the standard answer document an
// exam was last graded against.
const MetaStandardHash = "standard_sha256"

// SetMetadata upserts a key-value pair for an exam.
func (s *Store) SetMetadata(examID, key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO exam_metadata (exam_id, key, value) VALUES (?, ?, ?)
		 ON CONFLICT(exam_id, key) DO UPDATE SET value = ?`,
		examID, key, value, value,
	)
	return err
}

// GetMetadata returns the value for a metadata key.
// Returns empty string and nil error if the key is missing.
func (s *Store) GetMetadata(examID, key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM exam_metadata WHERE exam_id = ? AND key = ?`, examID, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SwapStandardHash records hash as the exam's standard document hash and
// returns the previous one ("" if none).
func (s *Store) SwapStandardHash(examID, hash string) (string, error) {
	prev, err := s.GetMetadata(examID, MetaStandardHash)
	if err != nil {
		return "", err
	}
	if prev == hash {
		return prev, nil
	}
	return prev, s.SetMetadata(examID, MetaStandardHash, hash)
}
