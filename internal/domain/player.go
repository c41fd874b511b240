package domain

import (
	"strings"
	"time"
)

// NavigationEntry 记录玩家在一局比赛中的一次页面访问。
type NavigationEntry struct {
	PageURL     string    `json:"page_url"`
	PageTitle   string    `json:"page_title"`
	LinkNumber  int       `json:"link_number"`  // 0 表示起始页
	TimeElapsed float64   `json:"time_elapsed"` // 距比赛开始的秒数
	Timestamp   time.Time `json:"timestamp"`
}

// Player 表示房间中的一名玩家。
// ConnID 在重连后会改变，DisplayName 在活跃玩家之间唯一。
type Player struct {
	ConnID            string            `json:"conn_id"`
	DisplayName       string            `json:"display_name"`
	IsHost            bool              `json:"is_host"`
	ColorHex          string            `json:"color_hex,omitempty"`
	ColorName         string            `json:"color_name,omitempty"`
	NavigationHistory []NavigationEntry `json:"navigation_history"`
	LinksClicked      int               `json:"links_clicked"`
	Completed         bool              `json:"completed"`
	CompletionTime    *float64          `json:"completion_time"`
	FinishOrder       int               `json:"finish_order"` // 服务端收到完成事件的顺序，0 表示未完成
	Disconnected      bool              `json:"disconnected"`
	JoinedAt          time.Time         `json:"joined_at"`
	LastActivity      time.Time         `json:"last_activity"`
}

// NewPlayer 创建一个新玩家
func NewPlayer(connID, displayName string, now time.Time) *Player {
	return &Player{
		ConnID:            connID,
		DisplayName:       displayName,
		NavigationHistory: []NavigationEntry{},
		JoinedAt:          now,
		LastActivity:      now,
	}
}

// NormalizePageURL 去掉查询参数和锚点，用于判断重复的导航上报。
func NormalizePageURL(pageURL string) string {
	if i := strings.IndexAny(pageURL, "?#"); i >= 0 {
		return pageURL[:i]
	}
	return pageURL
}

// IsDuplicateNavigation 判断上报的页面是否与最后一条导航记录相同。
func (p *Player) IsDuplicateNavigation(pageURL, pageTitle string) bool {
	if len(p.NavigationHistory) == 0 {
		return false
	}
	last := p.NavigationHistory[len(p.NavigationHistory)-1]
	return NormalizePageURL(last.PageURL) == NormalizePageURL(pageURL) && last.PageTitle == pageTitle
}

// AddNavigation 追加一条导航记录并同步 LinksClicked。
// raceStart 为 nil 时 TimeElapsed 记为 0。
func (p *Player) AddNavigation(pageURL, pageTitle string, raceStart *time.Time, now time.Time) NavigationEntry {
	entry := NavigationEntry{
		PageURL:    pageURL,
		PageTitle:  pageTitle,
		LinkNumber: len(p.NavigationHistory),
		Timestamp:  now,
	}
	if raceStart != nil {
		entry.TimeElapsed = now.Sub(*raceStart).Seconds()
	}
	p.NavigationHistory = append(p.NavigationHistory, entry)
	p.LinksClicked = linksFor(len(p.NavigationHistory))
	p.LastActivity = now
	return entry
}

// LastNavigation 返回最后一条导航记录
func (p *Player) LastNavigation() (NavigationEntry, bool) {
	if len(p.NavigationHistory) == 0 {
		return NavigationEntry{}, false
	}
	return p.NavigationHistory[len(p.NavigationHistory)-1], true
}

// CurrentPageTitle 返回当前所在页面的标题，尚无记录时为空。
func (p *Player) CurrentPageTitle() string {
	last, ok := p.LastNavigation()
	if !ok {
		return ""
	}
	return last.PageTitle
}

func (p *Player) CurrentPageURL() string {
	last, ok := p.LastNavigation()
	if !ok {
		return ""
	}
	return last.PageURL
}

// MarkCompleted 记录完成状态，order 为服务端到达顺序。
func (p *Player) MarkCompleted(completionTime float64, order int, now time.Time) {
	t := completionTime
	p.Completed = true
	p.CompletionTime = &t
	p.FinishOrder = order
	p.LastActivity = now
}

// ResetProgress 在新一局开始时清空比赛进度。
func (p *Player) ResetProgress(now time.Time) {
	p.NavigationHistory = []NavigationEntry{}
	p.LinksClicked = 0
	p.Completed = false
	p.CompletionTime = nil
	p.FinishOrder = 0
	p.LastActivity = now
}

// Clone 深拷贝玩家
func (p *Player) Clone() *Player {
	if p == nil {
		return nil
	}
	cp := *p
	cp.NavigationHistory = make([]NavigationEntry, len(p.NavigationHistory))
	copy(cp.NavigationHistory, p.NavigationHistory)
	if p.CompletionTime != nil {
		t := *p.CompletionTime
		cp.CompletionTime = &t
	}
	return &cp
}

func linksFor(historyLen int) int {
	if historyLen <= 1 {
		return 0
	}
	return historyLen - 1
}
