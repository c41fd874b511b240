package pages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultAPIURL 默认的 MediaWiki API 地址
	DefaultAPIURL = "https://en.wikipedia.org/w/api.php"

	SelectionRandom = "Random"
	SelectionCustom = "Custom"

	userAgent = "WikiRace Multiplayer Server/1.0"
)

// ErrNoPage 表示无法为某个选择确定页面
var ErrNoPage = errors.New("no page found for selection")

// Selection 起点或终点的选择方式：类别名、Random 或 Custom + 搜索词
type Selection struct {
	Category string
	Custom   string
}

// Pages 一局比赛的起终点
type Pages struct {
	StartURL   string
	StartTitle string
	EndURL     string
	EndTitle   string
}

// Fallback 页面选择失败时使用的占位页面
func Fallback() Pages {
	return Pages{
		StartURL:   "https://en.wikipedia.org/wiki/Main_Page",
		StartTitle: "Main Page",
		EndURL:     "https://en.wikipedia.org/wiki/Special:Random",
		EndTitle:   "Random Page",
	}
}

// WikipediaSelector 通过 MediaWiki API 选择比赛页面
type WikipediaSelector struct {
	apiURL  string
	siteURL string
	client  *http.Client
	intn    func(n int) int
}

// NewWikipediaSelector 创建页面选择器，apiURL 为空时使用 DefaultAPIURL。
func NewWikipediaSelector(apiURL string, client *http.Client) (*WikipediaSelector, error) {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	u, err := url.Parse(apiURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid wikipedia api url %q", apiURL)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WikipediaSelector{
		apiURL:  apiURL,
		siteURL: u.Scheme + "://" + u.Host,
		client:  client,
		intn:    rand.Intn,
	}, nil
}

// SelectPages 并发解析起点和终点
func (s *WikipediaSelector) SelectPages(ctx context.Context, start, end Selection) (Pages, error) {
	var out Pages
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		u, title, err := s.resolve(gctx, start)
		if err != nil {
			return fmt.Errorf("start page: %w", err)
		}
		out.StartURL, out.StartTitle = u, title
		return nil
	})
	g.Go(func() error {
		u, title, err := s.resolve(gctx, end)
		if err != nil {
			return fmt.Errorf("end page: %w", err)
		}
		out.EndURL, out.EndTitle = u, title
		return nil
	})
	if err := g.Wait(); err != nil {
		return Pages{}, err
	}
	logrus.WithFields(logrus.Fields{
		"start_title": out.StartTitle,
		"end_title":   out.EndTitle,
	}).Info("Selected race pages")
	return out, nil
}

func (s *WikipediaSelector) resolve(ctx context.Context, sel Selection) (string, string, error) {
	pageURL, err := s.pick(ctx, sel)
	if err != nil {
		return "", "", err
	}
	title, err := s.Title(ctx, pageURL)
	if err != nil {
		return "", "", err
	}
	return pageURL, title, nil
}

func (s *WikipediaSelector) pick(ctx context.Context, sel Selection) (string, error) {
	logCtx := logrus.WithFields(logrus.Fields{"category": sel.Category, "custom": sel.Custom})
	switch {
	case sel.Category == SelectionCustom && strings.TrimSpace(sel.Custom) != "":
		u, err := s.Search(ctx, strings.TrimSpace(sel.Custom))
		if err != nil {
			logCtx.WithError(err).Warn("Custom page search failed, falling back to random page")
			return s.RandomPage(ctx)
		}
		return u, nil
	case sel.Category == SelectionRandom:
		return s.RandomPage(ctx)
	default:
		if list := categories[sel.Category]; len(list) > 0 {
			return list[s.intn(len(list))], nil
		}
		logCtx.Warn("Unknown category, using random page")
		return s.RandomPage(ctx)
	}
}

// RandomPage 返回一个随机条目的 curid 链接
func (s *WikipediaSelector) RandomPage(ctx context.Context) (string, error) {
	var body struct {
		Query struct {
			Random []struct {
				ID int64 `json:"id"`
			} `json:"random"`
		} `json:"query"`
	}
	params := url.Values{
		"action":      {"query"},
		"format":      {"json"},
		"list":        {"random"},
		"rnnamespace": {"0"},
		"rnlimit":     {"1"},
	}
	if err := s.query(ctx, params, &body); err != nil {
		return "", err
	}
	if len(body.Query.Random) == 0 {
		return "", ErrNoPage
	}
	return s.curidURL(body.Query.Random[0].ID), nil
}

// Search 返回搜索结果第一条的 curid 链接
func (s *WikipediaSelector) Search(ctx context.Context, text string) (string, error) {
	var body struct {
		Query struct {
			Search []struct {
				PageID int64 `json:"pageid"`
			} `json:"search"`
		} `json:"query"`
	}
	params := url.Values{
		"action":   {"query"},
		"format":   {"json"},
		"list":     {"search"},
		"srsearch": {text},
		"srlimit":  {"1"},
	}
	if err := s.query(ctx, params, &body); err != nil {
		return "", err
	}
	if len(body.Query.Search) == 0 {
		return "", ErrNoPage
	}
	return s.curidURL(body.Query.Search[0].PageID), nil
}

// Title 返回页面标题。/wiki/ 链接直接从路径解析，curid 链接通过 API 查询。
func (s *WikipediaSelector) Title(ctx context.Context, pageURL string) (string, error) {
	if title, ok := TitleFromPath(pageURL); ok {
		return title, nil
	}
	u, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("parse page url: %w", err)
	}
	curid := u.Query().Get("curid")
	if curid == "" {
		return "", ErrNoPage
	}
	var body struct {
		Query struct {
			Pages map[string]struct {
				Title string `json:"title"`
			} `json:"pages"`
		} `json:"query"`
	}
	params := url.Values{
		"action":  {"query"},
		"format":  {"json"},
		"pageids": {curid},
	}
	if err := s.query(ctx, params, &body); err != nil {
		return "", err
	}
	for _, p := range body.Query.Pages {
		if p.Title != "" {
			return p.Title, nil
		}
	}
	return "", ErrNoPage
}

// TitleFromPath 从 /wiki/ 路径解析标题，下划线替换为空格。
func TitleFromPath(pageURL string) (string, bool) {
	i := strings.Index(pageURL, "/wiki/")
	if i < 0 {
		return "", false
	}
	part := pageURL[i+len("/wiki/"):]
	if j := strings.IndexAny(part, "?#"); j >= 0 {
		part = part[:j]
	}
	if part == "" {
		return "", false
	}
	if unescaped, err := url.PathUnescape(part); err == nil {
		part = unescaped
	}
	return strings.ReplaceAll(part, "_", " "), true
}

func (s *WikipediaSelector) curidURL(id int64) string {
	return s.siteURL + "/?curid=" + strconv.FormatInt(id, 10)
}

func (s *WikipediaSelector) query(ctx context.Context, params url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.apiURL+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("wikipedia request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("wikipedia request: unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode wikipedia response: %w", err)
	}
	return nil
}
