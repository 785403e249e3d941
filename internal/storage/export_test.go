package storage

import "context"

// Truncate empties the images table between subtests.
func Truncate(ctx context.Context, s *Storage) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE TABLE images`)
	return err
}
