// Package listing は募集の作成・編集・アーカイブとカウンタ加算のドメインロジックを提供する。
package listing

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/internboard/internal/metrics"
	"github.com/hitoshi/internboard/internal/model"
	"github.com/hitoshi/internboard/internal/repository"
	"github.com/hitoshi/internboard/internal/security"
)

// 既定のデバウンス設定
const (
	DefaultDebounceWindow   = 2 * time.Second
	DefaultDebounceCapacity = 10000
)

// Options はServiceの動作設定。ゼロ値の項目は既定値を使う。
type Options struct {
	DebounceWindow   time.Duration
	DebounceCapacity int
	Now              func() time.Time
}

// Service は募集のサービス層。
// 閲覧数・応募クリック数の加算はインスタンスごとのDebouncerで間引く。
type Service struct {
	repo      repository.ListingRepository
	validator *validator
	views     *Debouncer
	applies   *Debouncer
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	now       func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	repo repository.ListingRepository,
	guard security.URLGuard,
	sanitizer security.TextSanitizer,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	opts Options,
) *Service {
	if opts.DebounceWindow <= 0 {
		opts.DebounceWindow = DefaultDebounceWindow
	}
	if opts.DebounceCapacity <= 0 {
		opts.DebounceCapacity = DefaultDebounceCapacity
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Service{
		repo:      repo,
		validator: &validator{guard: guard, sanitizer: sanitizer},
		views:     NewDebouncer(opts.DebounceWindow, opts.DebounceCapacity, opts.Now),
		applies:   NewDebouncer(opts.DebounceWindow, opts.DebounceCapacity, opts.Now),
		metrics:   collector,
		logger:    logger,
		now:       opts.Now,
	}
}

// Get は募集を1件返す。アーカイブ済みも返す。
func (s *Service) Get(ctx context.Context, id string) (*model.Listing, error) {
	if !validID(id) {
		return nil, model.NewListingNotFoundError(id)
	}
	l, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, repository.Wrap(err, "募集の取得に失敗しました")
	}
	if l == nil {
		return nil, model.NewListingNotFoundError(id)
	}
	return l, nil
}

// ListActive は学生向けの募集一覧を返す。アーカイブ済みは含まない。
func (s *Service) ListActive(ctx context.Context) ([]model.Listing, error) {
	list, err := s.repo.ListActive(ctx)
	if err != nil {
		return nil, repository.Wrap(err, "募集一覧の取得に失敗しました")
	}
	return list, nil
}

// ListAll は管理者向けにアーカイブ済みを含む全募集を返す。
func (s *Service) ListAll(ctx context.Context) ([]model.Listing, error) {
	list, err := s.repo.ListAll(ctx)
	if err != nil {
		return nil, repository.Wrap(err, "募集一覧の取得に失敗しました")
	}
	return list, nil
}

// Locations は公開中の募集の勤務地一覧を返す。
func (s *Service) Locations(ctx context.Context) ([]string, error) {
	locs, err := s.repo.Locations(ctx)
	if err != nil {
		return nil, repository.Wrap(err, "勤務地一覧の取得に失敗しました")
	}
	return locs, nil
}

// Create は入力を検証して募集を作成する。
// 掲載期間の指定がなければ6ヶ月とし、作成日時から掲載期限を計算する。
func (s *Service) Create(ctx context.Context, in model.ListingInput, createdBy string) (*model.Listing, error) {
	l, err := s.validator.newListing(in, s.now().UTC())
	if err != nil {
		return nil, err
	}
	l.ID = uuid.New().String()
	if createdBy != "" {
		l.CreatedBy = &createdBy
	}

	if err := s.repo.Create(ctx, l); err != nil {
		if repository.IsConstraintViolation(err) {
			return nil, model.NewValidationError("listing", "入力値がデータベースの制約に違反しています")
		}
		return nil, repository.Wrap(err, "募集の作成に失敗しました")
	}

	s.logger.Info("募集を作成しました",
		slog.String("listing_id", l.ID),
		slog.String("company", l.Company),
	)
	return l, nil
}

// Update は指定された項目だけを更新する。アーカイブ済みの募集は更新できない。
func (s *Service) Update(ctx context.Context, id string, in model.ListingInput) (*model.Listing, error) {
	l, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !l.IsActive() {
		return nil, model.NewListingNotFoundError(id)
	}

	if err := s.validator.applyPatch(l, in); err != nil {
		return nil, err
	}
	l.UpdatedAt = s.now().UTC()

	ok, err := s.repo.Update(ctx, l)
	if err != nil {
		if repository.IsConstraintViolation(err) {
			return nil, model.NewValidationError("listing", "入力値がデータベースの制約に違反しています")
		}
		return nil, repository.Wrap(err, "募集の更新に失敗しました")
	}
	if !ok {
		// 取得後に別の管理者がアーカイブした
		return nil, model.NewListingNotFoundError(id)
	}
	return l, nil
}

// Delete はpermanentに応じてアーカイブまたは物理削除する。
func (s *Service) Delete(ctx context.Context, id string, permanent bool) error {
	if permanent {
		return s.HardDelete(ctx, id)
	}
	return s.SoftDelete(ctx, id)
}

// SoftDelete は募集をアーカイブする。
func (s *Service) SoftDelete(ctx context.Context, id string) error {
	return s.mutate(ctx, id, "募集のアーカイブに失敗しました", func() (bool, error) {
		return s.repo.SoftDelete(ctx, id, s.now().UTC())
	})
}

// Restore はアーカイブを取り消す。
func (s *Service) Restore(ctx context.Context, id string) error {
	return s.mutate(ctx, id, "募集の復元に失敗しました", func() (bool, error) {
		return s.repo.Restore(ctx, id)
	})
}

// HardDelete は募集を物理削除する。イベントログと閲覧状態も削除される。
func (s *Service) HardDelete(ctx context.Context, id string) error {
	if err := s.mutate(ctx, id, "募集の削除に失敗しました", func() (bool, error) {
		return s.repo.HardDelete(ctx, id)
	}); err != nil {
		return err
	}
	s.logger.Info("募集を完全に削除しました", slog.String("listing_id", id))
	return nil
}

// IncrementViews は閲覧数を1加算する。
// 同じ募集への2秒以内の再呼び出しは何もせずfalseを返す。
func (s *Service) IncrementViews(ctx context.Context, id string) (bool, error) {
	return s.increment(ctx, id, s.views, "views", s.repo.IncrementViews)
}

// IncrementApplyClicks は応募クリック数を1加算する。間引きはIncrementViewsと同じ。
func (s *Service) IncrementApplyClicks(ctx context.Context, id string) (bool, error) {
	return s.increment(ctx, id, s.applies, "apply_clicks", s.repo.IncrementApplyClicks)
}

func (s *Service) increment(
	ctx context.Context,
	id string,
	gate *Debouncer,
	counter string,
	inc func(ctx context.Context, id string) (bool, error),
) (bool, error) {
	if !validID(id) {
		return false, model.NewListingNotFoundError(id)
	}
	if !gate.Allow(id) {
		s.metrics.RecordIncrementDropped(counter)
		return false, nil
	}

	ok, err := inc(ctx, id)
	if err != nil {
		return false, repository.Wrap(err, "カウンタの加算に失敗しました")
	}
	if !ok {
		return false, model.NewListingNotFoundError(id)
	}
	return true, nil
}

func (s *Service) mutate(ctx context.Context, id, op string, fn func() (bool, error)) error {
	if !validID(id) {
		return model.NewListingNotFoundError(id)
	}
	ok, err := fn()
	if err != nil {
		return repository.Wrap(err, op)
	}
	if !ok {
		return model.NewListingNotFoundError(id)
	}
	return nil
}

// validID は文字列がUUIDとして解釈できるかを返す。
// 不正な形式のIDはDBに問い合わせず未検出として扱う。
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
