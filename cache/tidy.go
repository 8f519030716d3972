package cache

import (
	"context"
	"fmt"
	"time"

	sb "github.com/huandu/go-sqlbuilder"
	log "github.com/sirupsen/logrus"
)

// Tidy deletes items older than the retention window. Tag rows follow via
// the cascading foreign key.
func (s *Store) Tidy(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).Unix()

	del := sb.NewDeleteBuilder()
	query, args := del.DeleteFrom("items").
		Where(del.LessEqualThan("created_at", cutoff)).
		BuildWithFlavor(sb.SQLite)

	log.WithFields(log.Fields{
		"cutoff": time.Unix(cutoff, 0).Format(time.RFC3339),
	}).Info("Tidying item cache")

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete error: %w", err)
	}
	return res.RowsAffected()
}
