package handler

import (
	"context"
	"encoding/xml"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/internboard/internal/middleware"
	"github.com/hitoshi/internboard/internal/model"
)

// 配信する募集の件数と説明文の長さの上限
const (
	rssItemLimit         = 50
	rssDescriptionLength = 500
)

// ActiveListingLister は公開中の募集を新しい順に返す。
type ActiveListingLister interface {
	ListActive(ctx context.Context) ([]model.Listing, error)
}

// RSSHandler は公開中の募集をRSS 2.0で配信する。
type RSSHandler struct {
	listings ActiveListingLister
	baseURL  string
	logger   *slog.Logger
}

// NewRSSHandler はRSSHandlerを生成する。baseURLは募集ページへのリンクに使う。
func NewRSSHandler(listings ActiveListingLister, baseURL string, logger *slog.Logger) *RSSHandler {
	return &RSSHandler{
		listings: listings,
		baseURL:  strings.TrimRight(baseURL, "/"),
		logger:   logger,
	}
}

type rssDocument struct {
	XMLName xml.Name   `xml:"rss"`
	Version string     `xml:"version,attr"`
	Channel rssChannel `xml:"channel"`
}

type rssChannel struct {
	Title         string    `xml:"title"`
	Link          string    `xml:"link"`
	Description   string    `xml:"description"`
	Language      string    `xml:"language,omitempty"`
	LastBuildDate string    `xml:"lastBuildDate,omitempty"`
	Items         []rssItem `xml:"item"`
}

type rssItem struct {
	Title       string   `xml:"title"`
	Link        string   `xml:"link"`
	Description string   `xml:"description"`
	GUID        rssGUID  `xml:"guid"`
	PubDate     string   `xml:"pubDate"`
	Categories  []string `xml:"category"`
}

type rssGUID struct {
	Value       string `xml:",chardata"`
	IsPermaLink bool   `xml:"isPermaLink,attr"`
}

// Feed はRSSを返す。
// GET /feed.xml
func (h *RSSHandler) Feed(w http.ResponseWriter, r *http.Request) {
	list, err := h.listings.ListActive(r.Context())
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	if len(list) > rssItemLimit {
		list = list[:rssItemLimit]
	}

	doc := rssDocument{
		Version: "2.0",
		Channel: rssChannel{
			Title:       "Internship Board",
			Link:        h.baseURL + "/",
			Description: "新着インターンシップ募集",
			Language:    "ja",
		},
	}
	if len(list) > 0 {
		doc.Channel.LastBuildDate = list[0].CreatedAt.UTC().Format(time.RFC1123Z)
	}
	for i := range list {
		doc.Channel.Items = append(doc.Channel.Items, h.item(&list[i]))
	}

	w.Header().Set("Content-Type", "application/rss+xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(xml.Header))
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		h.logger.Warn("RSSの書き込みに失敗しました", slog.String("error", err.Error()))
	}
}

func (h *RSSHandler) item(l *model.Listing) rssItem {
	link := h.baseURL + "/listings/" + l.ID
	categories := make([]string, 0, len(l.Industries)+len(l.Majors))
	categories = append(categories, l.Industries...)
	categories = append(categories, l.Majors...)
	return rssItem{
		Title:       l.Title + " / " + l.Company,
		Link:        link,
		Description: l.Location + " | " + truncateRunes(l.Description, rssDescriptionLength),
		GUID:        rssGUID{Value: link, IsPermaLink: true},
		PubDate:     l.CreatedAt.UTC().Format(time.RFC1123Z),
		Categories:  categories,
	}
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
