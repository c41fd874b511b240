package domain

import "sort"

// Standing 比赛结束时单个玩家的成绩
type Standing struct {
	PlayerName        string            `json:"player_name"`
	IsCompleted       bool              `json:"is_completed"`
	CompletionTime    *float64          `json:"completion_time"`
	LinksUsed         int               `json:"links_used"`
	CurrentPage       string            `json:"current_page"`
	CurrentPageURL    string            `json:"current_page_url"`
	NavigationHistory []NavigationEntry `json:"navigation_history"`
	Rank              int               `json:"rank"`
}

// PlayerProgress 是 room_progress_sync 中单个玩家的进度
type PlayerProgress struct {
	CurrentPage string `json:"current_page"`
	LinksUsed   int    `json:"links_used"`
	IsCompleted bool   `json:"is_completed"`
}

// Standings 计算排名：已完成者按服务端到达顺序在前，未完成者按加入顺序在后。
// 客户端上报的 completion_time 只用于展示，不参与排序。
func (r *Room) Standings() []Standing {
	players := r.OrderedPlayers()
	sort.SliceStable(players, func(i, j int) bool {
		a, b := players[i], players[j]
		if a.Completed != b.Completed {
			return a.Completed
		}
		if a.Completed {
			return a.FinishOrder < b.FinishOrder
		}
		return false
	})

	out := make([]Standing, 0, len(players))
	for i, p := range players {
		current := p.CurrentPageTitle()
		if current == "" {
			current = "Unknown"
		}
		s := Standing{
			PlayerName:        p.DisplayName,
			IsCompleted:       p.Completed,
			LinksUsed:         p.LinksClicked,
			CurrentPage:       current,
			CurrentPageURL:    p.CurrentPageURL(),
			NavigationHistory: append([]NavigationEntry(nil), p.NavigationHistory...),
			Rank:              i + 1,
		}
		if p.CompletionTime != nil {
			t := *p.CompletionTime
			s.CompletionTime = &t
		}
		out = append(out, s)
	}
	return out
}

// ProgressSnapshot 以显示名为键返回全部玩家的进度
func (r *Room) ProgressSnapshot() map[string]PlayerProgress {
	out := make(map[string]PlayerProgress, len(r.players))
	for _, p := range r.OrderedPlayers() {
		current := p.CurrentPageTitle()
		if current == "" {
			current = "Starting..."
		}
		out[p.DisplayName] = PlayerProgress{
			CurrentPage: current,
			LinksUsed:   p.LinksClicked,
			IsCompleted: p.Completed,
		}
	}
	return out
}
