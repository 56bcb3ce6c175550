package listing

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hitoshi/internboard/internal/model"
	"github.com/hitoshi/internboard/internal/security"
)

// 入力項目の長さ制限
const (
	maxShortFieldLen  = 200
	minDescriptionLen = 10
	maxDescriptionLen = 5000
	maxTagCount       = 30
	maxApplicationLen = 2048
)

// validator は募集入力の検証と正規化を行う。
type validator struct {
	guard     security.URLGuard
	sanitizer security.TextSanitizer
}

// newListing は作成用の入力を検証し、保存可能な募集を組み立てる。
// 必須項目がすべて揃っていることを要求する。
func (v *validator) newListing(in model.ListingInput, now time.Time) (*model.Listing, error) {
	l := &model.Listing{}

	required := []struct {
		name  string
		value *string
		dst   *string
	}{
		{"title", in.Title, &l.Title},
		{"company", in.Company, &l.Company},
		{"location", in.Location, &l.Location},
		{"duration", in.Duration, &l.Duration},
	}
	for _, f := range required {
		if f.value == nil {
			return nil, model.NewValidationError(f.name, "必須項目です")
		}
		s, err := shortField(f.name, *f.value)
		if err != nil {
			return nil, err
		}
		*f.dst = s
	}

	if in.Description == nil {
		return nil, model.NewValidationError("description", "必須項目です")
	}
	desc, err := v.description(*in.Description)
	if err != nil {
		return nil, err
	}
	l.Description = desc

	if l.Majors, err = tags("majors", in.Majors); err != nil {
		return nil, err
	}
	if l.Industries, err = tags("industries", in.Industries); err != nil {
		return nil, err
	}

	if in.ApplicationMethod == nil {
		return nil, model.NewValidationError("application_method", "必須項目です")
	}
	if in.ApplicationValue == nil {
		return nil, model.NewValidationError("application_value", "必須項目です")
	}
	l.ApplicationMethod = *in.ApplicationMethod
	l.ApplicationValue = strings.TrimSpace(*in.ApplicationValue)
	if err := v.applicationTarget(l.ApplicationMethod, l.ApplicationValue); err != nil {
		return nil, err
	}

	if in.ImageURL != nil {
		img, err := v.imageURL(*in.ImageURL)
		if err != nil {
			return nil, err
		}
		l.ImageURL = img
	}

	months := model.DefaultListingDuration
	if in.ListingDuration != nil {
		if err := listingDuration(*in.ListingDuration); err != nil {
			return nil, err
		}
		months = *in.ListingDuration
	}
	l.ListingDuration = &months
	l.CreatedAt = now
	l.UpdatedAt = now
	expires := ExpiresAt(now, months)
	l.ExpiresAt = &expires

	return l, nil
}

// applyPatch は指定された項目だけを検証してlに反映する。
// 掲載期間が指定された場合は作成日時から期限を再計算する。
func (v *validator) applyPatch(l *model.Listing, in model.ListingInput) error {
	short := []struct {
		name  string
		value *string
		dst   *string
	}{
		{"title", in.Title, &l.Title},
		{"company", in.Company, &l.Company},
		{"location", in.Location, &l.Location},
		{"duration", in.Duration, &l.Duration},
	}
	for _, f := range short {
		if f.value == nil {
			continue
		}
		s, err := shortField(f.name, *f.value)
		if err != nil {
			return err
		}
		*f.dst = s
	}

	if in.Description != nil {
		desc, err := v.description(*in.Description)
		if err != nil {
			return err
		}
		l.Description = desc
	}

	if in.Majors != nil {
		majors, err := tags("majors", in.Majors)
		if err != nil {
			return err
		}
		l.Majors = majors
	}
	if in.Industries != nil {
		industries, err := tags("industries", in.Industries)
		if err != nil {
			return err
		}
		l.Industries = industries
	}

	if in.ApplicationMethod != nil || in.ApplicationValue != nil {
		method := l.ApplicationMethod
		value := l.ApplicationValue
		if in.ApplicationMethod != nil {
			method = *in.ApplicationMethod
		}
		if in.ApplicationValue != nil {
			value = strings.TrimSpace(*in.ApplicationValue)
		}
		if err := v.applicationTarget(method, value); err != nil {
			return err
		}
		l.ApplicationMethod = method
		l.ApplicationValue = value
	}

	if in.ImageURL != nil {
		img, err := v.imageURL(*in.ImageURL)
		if err != nil {
			return err
		}
		l.ImageURL = img
	}

	if in.ListingDuration != nil {
		if err := listingDuration(*in.ListingDuration); err != nil {
			return err
		}
		months := *in.ListingDuration
		l.ListingDuration = &months
		expires := ExpiresAt(l.CreatedAt, months)
		l.ExpiresAt = &expires
	}

	return nil
}

// ExpiresAt は作成日時に掲載期間（月数）を加えた掲載期限を返す。
func ExpiresAt(createdAt time.Time, months int) time.Time {
	return createdAt.AddDate(0, months, 0)
}

func shortField(name, value string) (string, error) {
	s := strings.TrimSpace(value)
	if s == "" {
		return "", model.NewValidationError(name, "空にできません")
	}
	if utf8.RuneCountInString(s) > maxShortFieldLen {
		return "", model.NewValidationError(name, fmt.Sprintf("%d文字以内で入力してください", maxShortFieldLen))
	}
	return s, nil
}

func (v *validator) description(raw string) (string, error) {
	desc := v.sanitizer.Sanitize(raw)
	n := utf8.RuneCountInString(desc)
	if n < minDescriptionLen {
		return "", model.NewValidationError("description", fmt.Sprintf("%d文字以上で入力してください", minDescriptionLen))
	}
	if n > maxDescriptionLen {
		return "", model.NewValidationError("description", fmt.Sprintf("%d文字以内で入力してください", maxDescriptionLen))
	}
	return desc, nil
}

// tags は空要素と重複を除いた一覧を返す。1件以上を要求する。
func tags(name string, values []string) ([]string, error) {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, raw := range values {
		s := strings.TrimSpace(raw)
		if s == "" || seen[s] {
			continue
		}
		if utf8.RuneCountInString(s) > maxShortFieldLen {
			return nil, model.NewValidationError(name, fmt.Sprintf("各項目は%d文字以内で入力してください", maxShortFieldLen))
		}
		seen[s] = true
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, model.NewValidationError(name, "1件以上指定してください")
	}
	if len(out) > maxTagCount {
		return nil, model.NewValidationError(name, fmt.Sprintf("%d件以内で指定してください", maxTagCount))
	}
	return out, nil
}

func (v *validator) applicationTarget(method model.ApplicationMethod, value string) error {
	if !method.Valid() {
		return model.NewValidationError("application_method", "external または email を指定してください")
	}
	if value == "" {
		return model.NewValidationError("application_value", "空にできません")
	}
	if len(value) > maxApplicationLen {
		return model.NewValidationError("application_value", "長すぎます")
	}
	switch method {
	case model.ApplicationExternal:
		if err := v.guard.ValidateURL(value); err != nil {
			return model.NewValidationError("application_value", "公開されたhttp(s)のURLを指定してください")
		}
	case model.ApplicationEmail:
		if err := security.ValidateEmail(value); err != nil {
			return model.NewValidationError("application_value", "メールアドレスの形式が正しくありません")
		}
	}
	return nil
}

// imageURL は空文字の場合に画像なし（nil）を返す。
func (v *validator) imageURL(raw string) (*string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, nil
	}
	if err := v.guard.ValidateURL(s); err != nil {
		return nil, model.NewValidationError("image_url", "公開されたhttp(s)のURLを指定してください")
	}
	return &s, nil
}

func listingDuration(months int) error {
	if months < model.MinListingDuration || months > model.MaxListingDuration {
		return model.NewValidationError("listing_duration",
			fmt.Sprintf("%d〜%dの範囲で指定してください", model.MinListingDuration, model.MaxListingDuration))
	}
	return nil
}
