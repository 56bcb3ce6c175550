// Package reporting は集計に使う報告タイムゾーン（UTC+7固定）の期間計算を提供する。
// 閲覧者のローカルタイムゾーンに関係なく、全員が同じ日・月の境界を見る。
package reporting

import "time"

// Location は報告タイムゾーン。夏時間のない固定オフセット。
var Location = time.FixedZone("UTC+7", 7*60*60)

// DayBounds はtを含む報告日の [開始, 終了) をUTCで返す。
func DayBounds(t time.Time) (time.Time, time.Time) {
	local := t.In(Location)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, Location)
	return start.UTC(), start.AddDate(0, 0, 1).UTC()
}

// MonthBounds はtを含む報告月の [開始, 終了) をUTCで返す。
func MonthBounds(t time.Time) (time.Time, time.Time) {
	local := t.In(Location)
	start := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, Location)
	return start.UTC(), start.AddDate(0, 1, 0).UTC()
}

// YearMonth はtの報告タイムゾーンでの年と月を返す。
func YearMonth(t time.Time) (int, int) {
	local := t.In(Location)
	return local.Year(), int(local.Month())
}

// DateRange は日付指定（両端を含む）を [開始, 終了) のUTC範囲に変換する。
// 日付の時刻部分は無視し、報告タイムゾーンの暦日として扱う。
// nilの端は制限なしとしてnilを返す。
func DateRange(startDate, endDate *time.Time) (*time.Time, *time.Time) {
	var from, to *time.Time
	if startDate != nil {
		s := calendarDay(*startDate)
		from = &s
	}
	if endDate != nil {
		e := calendarDay(*endDate).AddDate(0, 0, 1)
		to = &e
	}
	return from, to
}

// calendarDay はdの年月日を報告タイムゾーンの0時として解釈し、UTCで返す。
func calendarDay(d time.Time) time.Time {
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, Location).UTC()
}
