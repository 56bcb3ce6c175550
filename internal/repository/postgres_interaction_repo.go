package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/internboard/internal/model"
)

const interactionColumns = `id, user_id, listing_id, is_starred, is_viewed, created_at, updated_at`

// PostgresInteractionRepo はPostgreSQLを使用した募集状態リポジトリ。
type PostgresInteractionRepo struct {
	db *sql.DB
}

// NewPostgresInteractionRepo はPostgresInteractionRepoを生成する。
func NewPostgresInteractionRepo(db *sql.DB) *PostgresInteractionRepo {
	return &PostgresInteractionRepo{db: db}
}

func scanInteraction(s rowScanner) (*model.Interaction, error) {
	in := &model.Interaction{}
	err := s.Scan(&in.ID, &in.UserID, &in.ListingID, &in.IsStarred, &in.IsViewed, &in.CreatedAt, &in.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return in, nil
}

// FindByUserAndListing はユーザーIDと募集IDで状態を取得する。見つからない場合はnilを返す。
func (r *PostgresInteractionRepo) FindByUserAndListing(ctx context.Context, userID, listingID string) (*model.Interaction, error) {
	in, err := scanInteraction(r.db.QueryRowContext(ctx,
		`SELECT `+interactionColumns+` FROM listing_interactions WHERE user_id = $1 AND listing_id = $2`,
		userID, listingID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("募集状態の取得に失敗しました: %w", err)
	}
	return in, nil
}

// SetStarred はスター状態を指定値にする。行がなければ閲覧済み=falseで作成する。
func (r *PostgresInteractionRepo) SetStarred(ctx context.Context, userID, listingID string, value bool) (*model.Interaction, error) {
	now := time.Now().UTC()
	in, err := scanInteraction(r.db.QueryRowContext(ctx,
		`INSERT INTO listing_interactions (id, user_id, listing_id, is_starred, is_viewed, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, false, $5, $5)
		 ON CONFLICT (user_id, listing_id) DO UPDATE SET
		     is_starred = EXCLUDED.is_starred,
		     updated_at = EXCLUDED.updated_at
		 RETURNING `+interactionColumns,
		uuid.New().String(), userID, listingID, value, now,
	))
	if err != nil {
		return nil, fmt.Errorf("スター状態の更新に失敗しました: %w", err)
	}
	return in, nil
}

// ToggleStar は行がなければスター付きで作成し、あれば現在の値を反転する。
// 反転はDB上で行うため、並行する操作が互いの結果を上書きすることはない。
func (r *PostgresInteractionRepo) ToggleStar(ctx context.Context, userID, listingID string) (*model.Interaction, error) {
	now := time.Now().UTC()
	in, err := scanInteraction(r.db.QueryRowContext(ctx,
		`INSERT INTO listing_interactions (id, user_id, listing_id, is_starred, is_viewed, created_at, updated_at)
		 VALUES ($1, $2, $3, true, false, $4, $4)
		 ON CONFLICT (user_id, listing_id) DO UPDATE SET
		     is_starred = NOT listing_interactions.is_starred,
		     updated_at = EXCLUDED.updated_at
		 RETURNING `+interactionColumns,
		uuid.New().String(), userID, listingID, now,
	))
	if err != nil {
		return nil, fmt.Errorf("スター状態の切り替えに失敗しました: %w", err)
	}
	return in, nil
}

// MarkViewed は閲覧済みにする。既に閲覧済みの場合はupdated_atも含めて変更しない。
func (r *PostgresInteractionRepo) MarkViewed(ctx context.Context, userID, listingID string) (*model.Interaction, error) {
	now := time.Now().UTC()
	in, err := scanInteraction(r.db.QueryRowContext(ctx,
		`INSERT INTO listing_interactions (id, user_id, listing_id, is_starred, is_viewed, created_at, updated_at)
		 VALUES ($1, $2, $3, false, true, $4, $4)
		 ON CONFLICT (user_id, listing_id) DO UPDATE SET
		     is_viewed = true,
		     updated_at = CASE WHEN listing_interactions.is_viewed
		                       THEN listing_interactions.updated_at
		                       ELSE EXCLUDED.updated_at END
		 RETURNING `+interactionColumns,
		uuid.New().String(), userID, listingID, now,
	))
	if err != nil {
		return nil, fmt.Errorf("閲覧済みの記録に失敗しました: %w", err)
	}
	return in, nil
}

// ListByUser はユーザーの全状態を返す。
func (r *PostgresInteractionRepo) ListByUser(ctx context.Context, userID string) ([]model.Interaction, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+interactionColumns+` FROM listing_interactions WHERE user_id = $1 ORDER BY updated_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("募集状態一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var list []model.Interaction
	for rows.Next() {
		in, err := scanInteraction(rows)
		if err != nil {
			return nil, fmt.Errorf("募集状態のスキャンに失敗しました: %w", err)
		}
		list = append(list, *in)
	}
	return list, rows.Err()
}

// compile-time interface check
var _ InteractionRepository = (*PostgresInteractionRepo)(nil)
