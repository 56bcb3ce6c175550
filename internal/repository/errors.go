package repository

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/lib/pq"

	"github.com/hitoshi/internboard/internal/model"
)

// PostgreSQLのエラーコード
const (
	pqForeignKeyViolation = "23503"
	pqCheckViolation      = "23514"
	pqInvalidTextRep      = "22P02"
)

// IsForeignKeyViolation は外部キー制約違反かどうかを返す。
// イベント追加時に存在しない募集を参照した場合などに発生する。
func IsForeignKeyViolation(err error) bool {
	return hasPQCode(err, pqForeignKeyViolation)
}

// IsConstraintViolation はCHECK制約違反または型変換エラーかどうかを返す。
func IsConstraintViolation(err error) bool {
	return hasPQCode(err, pqCheckViolation) || hasPQCode(err, pqInvalidTextRep)
}

// IsTransient は接続断などの一時的な障害かどうかを返す。
// 08xx（接続例外）と57P0x（管理者によるシャットダウン等）、ネットワークエラーを対象とする。
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		class := pqErr.Code.Class()
		return class == "08" || class == "57" || class == "53"
	}
	return false
}

// Wrap はサービス層向けにエラーをラップする。
// 一時的な障害はTransientStorageErrorに変換し、それ以外は操作名を付けて返す。
func Wrap(err error, op string) error {
	if err == nil {
		return nil
	}
	if IsTransient(err) {
		return model.NewTransientStorageError(err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func hasPQCode(err error, code string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return string(pqErr.Code) == code
}
