// Package tier 推荐关系等级（仅用于展示，不产生任何资金变动）
package tier

// Tier 等级门槛
type Tier struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	DirectCount int    `json:"direct_count"`
	TeamCount   int    `json:"team_count"`
}

// Tiers 按门槛从低到高排列
var Tiers = []Tier{
	{Key: "normal", Name: "普通代理", DirectCount: 0, TeamCount: 0},
	{Key: "white_sheep", Name: "白羊座", DirectCount: 0, TeamCount: 2},
	{Key: "golden_bull", Name: "金牛座", DirectCount: 3, TeamCount: 3},
	{Key: "gemini", Name: "巨蟹座", DirectCount: 5, TeamCount: 10},
	{Key: "cancer", Name: "狮子座", DirectCount: 6, TeamCount: 30},
	{Key: "virgo", Name: "处女座", DirectCount: 7, TeamCount: 100},
	{Key: "libra", Name: "天秤座", DirectCount: 8, TeamCount: 300},
	{Key: "scorpio", Name: "天蝎座", DirectCount: 10, TeamCount: 1000},
	{Key: "sagittarius", Name: "射手座", DirectCount: 12, TeamCount: 3000},
	{Key: "capricorn", Name: "摩羯座", DirectCount: 15, TeamCount: 10000},
	{Key: "aquarius", Name: "水瓶座", DirectCount: 20, TeamCount: 20000},
	{Key: "pisces", Name: "双鱼座", DirectCount: 30, TeamCount: 50000},
	{Key: "pope", Name: "双子座(教皇)", DirectCount: 40, TeamCount: 80000},
}

// Compute 返回满足两个门槛的最高等级及其从 1 开始的序号
func Compute(directCount, teamCount int) (Tier, int) {
	level := 0
	for i, t := range Tiers {
		if directCount >= t.DirectCount && teamCount >= t.TeamCount {
			level = i
		}
	}
	return Tiers[level], level + 1
}

// Next 返回下一等级，已是最高等级时返回 nil
func Next(name string) *Tier {
	for i, t := range Tiers {
		if t.Name == name {
			if i == len(Tiers)-1 {
				return nil
			}
			next := Tiers[i+1]
			return &next
		}
	}
	return nil
}

// Needs 升级到下一等级还差的直推与团队人数
type Needs struct {
	Next         Tier `json:"next"`
	DirectNeeded int  `json:"direct_needed"`
	TeamNeeded   int  `json:"team_needed"`
}

// UpgradeNeeds 计算升级差额，已是最高等级时返回 nil
func UpgradeNeeds(name string, directCount, teamCount int) *Needs {
	next := Next(name)
	if next == nil {
		return nil
	}
	return &Needs{
		Next:         *next,
		DirectNeeded: max(0, next.DirectCount-directCount),
		TeamNeeded:   max(0, next.TeamCount-teamCount),
	}
}
