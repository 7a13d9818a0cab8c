package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/adamavenir/murmur/internal/core"
	"modernc.org/sqlite"
)

const (
	sqliteConstraint           = 19
	sqliteConstraintPrimaryKey = 1555
	sqliteConstraintForeignKey = 787
	sqliteConstraintUnique     = 2067
)

func nullableValue[T any](value *T) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	v := value.String
	return &v
}

func nullIntPtr(value sql.NullInt64) *int64 {
	if !value.Valid {
		return nil
	}
	v := value.Int64
	return &v
}

func sqliteCode(err error) int {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()
	}
	return 0
}

func isConstraintError(err error) bool {
	switch sqliteCode(err) {
	case sqliteConstraint, sqliteConstraintPrimaryKey, sqliteConstraintForeignKey, sqliteConstraintUnique:
		return true
	}
	return false
}

func isUniqueError(err error) bool {
	code := sqliteCode(err)
	return code == sqliteConstraintUnique || code == sqliteConstraintPrimaryKey
}

func isForeignKeyError(err error) bool {
	return sqliteCode(err) == sqliteConstraintForeignKey
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func withTx(db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func newID(prefix string) (string, error) {
	id, err := core.GenerateGUID(prefix)
	if err != nil {
		return "", fmt.Errorf("%s id: %w", prefix, err)
	}
	return id, nil
}
