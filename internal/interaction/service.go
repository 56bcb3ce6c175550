// Package interaction はユーザーごとのスター・閲覧済み状態のドメインロジックを提供する。
package interaction

import (
	"context"

	"github.com/google/uuid"

	"github.com/hitoshi/internboard/internal/model"
	"github.com/hitoshi/internboard/internal/repository"
)

// Service は募集状態のサービス層。
// 書き込みはすべてUPSERTで、(ユーザー, 募集) ごとに1行を保つ。
type Service struct {
	repo repository.InteractionRepository
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(repo repository.InteractionRepository) *Service {
	return &Service{repo: repo}
}

// SetStarred はスター状態を指定値にする。
func (s *Service) SetStarred(ctx context.Context, userID, listingID string, value bool) (*model.Interaction, error) {
	if err := check(userID, listingID); err != nil {
		return nil, err
	}
	in, err := s.repo.SetStarred(ctx, userID, listingID, value)
	return result(in, err, listingID, "スター状態の更新に失敗しました")
}

// ToggleStar はスター状態を反転する。状態がなければスター付きで作成する。
func (s *Service) ToggleStar(ctx context.Context, userID, listingID string) (*model.Interaction, error) {
	if err := check(userID, listingID); err != nil {
		return nil, err
	}
	in, err := s.repo.ToggleStar(ctx, userID, listingID)
	return result(in, err, listingID, "スター状態の切り替えに失敗しました")
}

// MarkViewed は閲覧済みにする。一度閲覧済みになった状態は戻らない。
func (s *Service) MarkViewed(ctx context.Context, userID, listingID string) (*model.Interaction, error) {
	if err := check(userID, listingID); err != nil {
		return nil, err
	}
	in, err := s.repo.MarkViewed(ctx, userID, listingID)
	return result(in, err, listingID, "閲覧済みの記録に失敗しました")
}

// Get はユーザーの1件の募集に対する状態を返す。
// まだ行がない場合はスターも閲覧済みも付いていない状態を返す。
func (s *Service) Get(ctx context.Context, userID, listingID string) (*model.Interaction, error) {
	if err := check(userID, listingID); err != nil {
		return nil, err
	}
	in, err := s.repo.FindByUserAndListing(ctx, userID, listingID)
	if err != nil {
		return nil, repository.Wrap(err, "募集状態の取得に失敗しました")
	}
	if in == nil {
		return &model.Interaction{UserID: userID, ListingID: listingID}, nil
	}
	return in, nil
}

// ListForUser はユーザーの状態一覧を返す。
func (s *Service) ListForUser(ctx context.Context, userID string) ([]model.Interaction, error) {
	if userID == "" {
		return nil, model.NewAuthError()
	}
	list, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, repository.Wrap(err, "募集状態一覧の取得に失敗しました")
	}
	return list, nil
}

func check(userID, listingID string) error {
	if userID == "" {
		return model.NewAuthError()
	}
	if _, err := uuid.Parse(listingID); err != nil {
		return model.NewListingNotFoundError(listingID)
	}
	return nil
}

func result(in *model.Interaction, err error, listingID, op string) (*model.Interaction, error) {
	if err != nil {
		if repository.IsForeignKeyViolation(err) {
			return nil, model.NewListingNotFoundError(listingID)
		}
		return nil, repository.Wrap(err, op)
	}
	return in, nil
}
