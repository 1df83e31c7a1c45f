package postgres

import (
	"context"
	"fmt"
)

// TruncateForTest removes all rows from the corpus tables. It lives in the
// postgres package so it can reach the unexported db field, and is exported
// so the postgres_test package can call it.
func (s *CorpusStore) TruncateForTest(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "TRUNCATE TABLE narratives, entities"); err != nil {
		return fmt.Errorf("postgres: failed to truncate corpus: %w", err)
	}
	return nil
}
