// Package activity はイベントログ（閲覧・応募の記録）のドメインロジックを提供する。
package activity

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/internboard/internal/listing"
	"github.com/hitoshi/internboard/internal/metrics"
	"github.com/hitoshi/internboard/internal/model"
	"github.com/hitoshi/internboard/internal/reporting"
	"github.com/hitoshi/internboard/internal/repository"
)

// 既定の間引き設定
const (
	DefaultViewWindow  = 2 * time.Second
	DefaultApplyWindow = 3 * time.Second
	gateCapacity       = 10000
)

// Options はServiceの動作設定。ゼロ値の項目は既定値を使う。
type Options struct {
	ViewWindow  time.Duration
	ApplyWindow time.Duration
	Now         func() time.Time
}

// ApplicationLogPage は管理画面の応募ログ一覧を表す。
// Totalは絞り込みに関係なく全期間の応募イベント数。
type ApplicationLogPage struct {
	Logs  []model.ApplicationLog
	Total int
}

// Service はイベントログのサービス層。
// 追加と削除のみを提供し、イベントの更新は行わない。
type Service struct {
	events  repository.EventRepository
	views   *listing.Debouncer
	applies *listing.Debouncer
	metrics metrics.MetricsCollector
	logger  *slog.Logger
	now     func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	events repository.EventRepository,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	opts Options,
) *Service {
	if opts.ViewWindow <= 0 {
		opts.ViewWindow = DefaultViewWindow
	}
	if opts.ApplyWindow <= 0 {
		opts.ApplyWindow = DefaultApplyWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Service{
		events:  events,
		views:   listing.NewDebouncer(opts.ViewWindow, gateCapacity, opts.Now),
		applies: listing.NewDebouncer(opts.ApplyWindow, gateCapacity, opts.Now),
		metrics: collector,
		logger:  logger,
		now:     opts.Now,
	}
}

// Append はイベントを1件追加し、採番したIDを返す。
// 種別が不明な場合、募集IDが空または存在しない場合はValidationErrorを返す。
func (s *Service) Append(ctx context.Context, e *model.Event) (string, error) {
	if !e.Kind.Valid() {
		return "", model.NewInvalidEventKindError(string(e.Kind))
	}
	if e.ListingID == "" {
		return "", model.NewListingRequiredError()
	}
	if _, err := uuid.Parse(e.ListingID); err != nil {
		return "", model.NewListingRequiredError()
	}
	if e.Method != nil && !e.Method.Valid() {
		return "", model.NewValidationError("method", "external_link または copied_email を指定してください")
	}
	if len(e.Metadata) > 0 && !json.Valid(e.Metadata) {
		return "", model.NewValidationError("metadata", "JSONの形式が正しくありません")
	}

	e.ID = uuid.New().String()
	e.CreatedAt = s.now().UTC()

	if err := s.events.Insert(ctx, e); err != nil {
		if repository.IsForeignKeyViolation(err) {
			return "", model.NewListingRequiredError()
		}
		return "", repository.Wrap(err, "イベントの記録に失敗しました")
	}

	s.metrics.RecordEventAppended(string(e.Kind))
	return e.ID, nil
}

// Query は条件に合うイベントを新しい順に最大model.EventPageSize件返すカーソルを開く。
// 続きを読むにはfilter.Beforeに最後のイベントの作成日時を指定して再度呼び出す。
func (s *Service) Query(ctx context.Context, filter model.EventFilter) (repository.EventIterator, error) {
	if filter.Kind != "" && !filter.Kind.Valid() {
		return nil, model.NewInvalidEventKindError(string(filter.Kind))
	}
	cur, err := s.events.Query(ctx, filter, model.EventPageSize)
	if err != nil {
		return nil, repository.Wrap(err, "イベントの検索に失敗しました")
	}
	return cur, nil
}

// Delete はイベントを物理削除する。管理者のログ管理操作から呼ばれる。
func (s *Service) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return model.NewEventNotFoundError(id)
	}
	ok, err := s.events.Delete(ctx, id)
	if err != nil {
		return repository.Wrap(err, "イベントの削除に失敗しました")
	}
	if !ok {
		return model.NewEventNotFoundError(id)
	}
	s.logger.Info("イベントログを削除しました", slog.String("event_id", id))
	return nil
}

// TrackView は閲覧イベントを記録する。同じ募集への2秒以内の再記録は行わずfalseを返す。
func (s *Service) TrackView(ctx context.Context, listingID string, userID *string) (bool, error) {
	if !s.views.Allow(listingID) {
		s.metrics.RecordIncrementDropped("view_event")
		return false, nil
	}
	_, err := s.Append(ctx, &model.Event{
		Kind:      model.EventView,
		ListingID: listingID,
		UserID:    userID,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// TrackApply は応募イベントを記録する。
// 同じ募集への記録は3秒に1回までとし、間引いた場合はfalseを返す。
func (s *Service) TrackApply(ctx context.Context, listingID string, method model.ApplyMethod, userID *string, metadata json.RawMessage) (bool, error) {
	if !method.Valid() {
		return false, model.NewValidationError("method", "external_link または copied_email を指定してください")
	}
	if !s.applies.Allow(listingID) {
		s.metrics.RecordIncrementDropped("apply_event")
		return false, nil
	}
	_, err := s.Append(ctx, &model.Event{
		Kind:      model.EventApply,
		ListingID: listingID,
		UserID:    userID,
		Method:    &method,
		Metadata:  metadata,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// ApplicationLogs は管理画面の応募ログを返す。
// 日付は報告タイムゾーンの暦日で両端を含む。募集名と応募者名は大文字小文字を区別しない部分一致で絞り込む。
func (s *Service) ApplicationLogs(ctx context.Context, filter model.ApplicationLogFilter) (*ApplicationLogPage, error) {
	from, to := reporting.DateRange(filter.StartDate, filter.EndDate)

	logs, err := s.events.ApplicationLogs(ctx, from, to, model.EventPageSize)
	if err != nil {
		return nil, repository.Wrap(err, "応募ログの取得に失敗しました")
	}

	title := strings.ToLower(strings.TrimSpace(filter.Title))
	name := strings.ToLower(strings.TrimSpace(filter.UserName))
	filtered := make([]model.ApplicationLog, 0, len(logs))
	for _, lg := range logs {
		if title != "" && !strings.Contains(strings.ToLower(lg.ListingTitle), title) {
			continue
		}
		if name != "" && !strings.Contains(strings.ToLower(lg.UserName), name) {
			continue
		}
		filtered = append(filtered, lg)
	}

	total, err := s.events.CountAll(ctx, model.EventApply)
	if err != nil {
		return nil, repository.Wrap(err, "応募総数の取得に失敗しました")
	}

	return &ApplicationLogPage{Logs: filtered, Total: total}, nil
}
