package game

import "sort"

// AffectFunc 纯函数：(目标, 来源) → 属性修正量。来源可能为空（已销毁或本地不可见）
type AffectFunc func(target, source *EntityConfig, effects map[string]float64) AttributeSet

// Affect 具名效果定义（无状态，仅按 id 查找）
type Affect struct {
	ID      string
	Effects map[string]float64
	Fn      AffectFunc
}

// Resolve 计算该效果对目标的属性修正量
func (a Affect) Resolve(target, source *EntityConfig) AttributeSet {
	if a.Fn == nil || target == nil {
		return nil
	}
	return a.Fn(target, source, a.Effects)
}

// Catalog 效果表
type Catalog map[string]Affect

// DefaultCatalog 内置效果
func DefaultCatalog() Catalog {
	return Catalog{
		"magic damage": {
			ID:      "magic damage",
			Effects: map[string]float64{"damage": 10},
			Fn: func(target, _ *EntityConfig, fx map[string]float64) AttributeSet {
				return AttributeSet{AttrHP: -fx["damage"]}
			},
		},
		"heal": {
			ID:      "heal",
			Effects: map[string]float64{"amount": 10},
			Fn: func(target, _ *EntityConfig, fx map[string]float64) AttributeSet {
				return AttributeSet{AttrHP: fx["amount"]}
			},
		},
		"mana burn": {
			ID:      "mana burn",
			Effects: map[string]float64{"amount": 5},
			Fn: func(target, _ *EntityConfig, fx map[string]float64) AttributeSet {
				return AttributeSet{AttrMP: -fx["amount"]}
			},
		},
		"slow": {
			ID:      "slow",
			Effects: map[string]float64{"factor": 0.25},
			Fn: func(target, _ *EntityConfig, fx map[string]float64) AttributeSet {
				return AttributeSet{AttrSpeed: -target.Get(AttrSpeed) * fx["factor"]}
			},
		},
	}
}

// Lookup 按 id 查找
func (c Catalog) Lookup(id string) (Affect, bool) {
	a, ok := c[id]
	return a, ok
}

// Resolve 按顺序对目标叠加多个效果，未知 id 忽略。返回合并后的修正量与实际生效的 id
func (c Catalog) Resolve(ids []string, target, source *EntityConfig) (AttributeSet, []string) {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	var total AttributeSet
	var applied []string
	for _, id := range sorted {
		a, ok := c[id]
		if !ok {
			continue
		}
		for k, v := range a.Resolve(target, source) {
			if total == nil {
				total = make(AttributeSet)
			}
			total[k] += v
		}
		applied = append(applied, id)
	}
	return total, applied
}
