package game

import (
	"fmt"
	"math"
)

// ServerManager 表示由服务端自身托管的实体（没有任何在线玩家可接管时）
const ServerManager = "server"

// Attribute 可修改属性的固定枚举，服务端与客户端共享同一组合法键
type Attribute string

const (
	AttrHP          Attribute = "hp"
	AttrHPRegen     Attribute = "hp_regen"
	AttrMaxHP       Attribute = "max_hp"
	AttrMP          Attribute = "mp"
	AttrMPRegen     Attribute = "mp_regen"
	AttrMaxMP       Attribute = "max_mp"
	AttrSpeed       Attribute = "speed"
	AttrAttackSpeed Attribute = "attack_speed"
)

// Attributes 全部合法属性，顺序即应用顺序：上限先于当前值，保证裁剪使用新上限
var Attributes = []Attribute{
	AttrMaxHP,
	AttrMaxMP,
	AttrHP,
	AttrHPRegen,
	AttrMP,
	AttrMPRegen,
	AttrSpeed,
	AttrAttackSpeed,
}

// Valid 判断属性键是否在枚举内
func (a Attribute) Valid() bool {
	for _, k := range Attributes {
		if k == a {
			return true
		}
	}
	return false
}

// AttributeSet 数值属性包
type AttributeSet map[Attribute]float64

// Clone 拷贝属性包
func (s AttributeSet) Clone() AttributeSet {
	if s == nil {
		return nil
	}
	out := make(AttributeSet, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Position 二维坐标（绝对值，后写覆盖）
type Position struct {
	X float64 `json:"x" msgpack:"x"`
	Y float64 `json:"y" msgpack:"y"`
}

// EntityConfig 一个已生成对象的同步状态
type EntityConfig struct {
	Type       string         `json:"type" msgpack:"type"`
	Display    map[string]any `json:"display,omitempty" msgpack:"display,omitempty"`
	Attributes AttributeSet   `json:"attributes" msgpack:"attributes"`
	Position   Position       `json:"position" msgpack:"position"`
	Manager    string         `json:"manager" msgpack:"manager"`
}

// EntityDelta 线上的实体增量
// attributes 为带符号修正量（首次写入时即初始值），position 为绝对值
type EntityDelta struct {
	Type       string         `json:"type,omitempty"`
	Display    map[string]any `json:"display,omitempty"`
	Position   *Position      `json:"position,omitempty"`
	Attributes AttributeSet   `json:"attributes,omitempty"`
	Destroy    bool           `json:"destroy,omitempty"`
}

// Clone 深拷贝实体配置，快照广播前使用，避免与 Tick 线程共享 map
func (e EntityConfig) Clone() EntityConfig {
	out := e
	out.Attributes = e.Attributes.Clone()
	if e.Display != nil {
		out.Display = make(map[string]any, len(e.Display))
		for k, v := range e.Display {
			out.Display[k] = v
		}
	}
	return out
}

// Get 读取属性，缺省为 0
func (e EntityConfig) Get(a Attribute) float64 {
	if e.Attributes == nil {
		return 0
	}
	return e.Attributes[a]
}

// Mod 以加法方式修改单个属性并裁剪
func (e *EntityConfig) Mod(a Attribute, amount float64) {
	if e.Attributes == nil {
		e.Attributes = make(AttributeSet)
	}
	e.Attributes[a] += amount
	e.Clamp()
}

// Clamp 保证 hp ∈ [0, max_hp]，mp ∈ [0, max_mp]，上限不为负
func (e *EntityConfig) Clamp() {
	if e.Attributes == nil {
		return
	}
	if e.Attributes[AttrMaxHP] < 0 {
		e.Attributes[AttrMaxHP] = 0
	}
	if e.Attributes[AttrMaxMP] < 0 {
		e.Attributes[AttrMaxMP] = 0
	}
	if _, ok := e.Attributes[AttrHP]; ok {
		e.Attributes[AttrHP] = clamp(e.Attributes[AttrHP], 0, e.Attributes[AttrMaxHP])
	}
	if _, ok := e.Attributes[AttrMP]; ok {
		e.Attributes[AttrMP] = clamp(e.Attributes[AttrMP], 0, e.Attributes[AttrMaxMP])
	}
}

// Dead 有生命上限且 hp 归零
func (e EntityConfig) Dead() bool {
	return e.Get(AttrMaxHP) > 0 && e.Get(AttrHP) <= 0
}

// Apply 合并一次增量。返回被丢弃的非法属性键
func (e *EntityConfig) Apply(d EntityDelta) []Attribute {
	if d.Type != "" {
		e.Type = d.Type
	}
	if d.Display != nil {
		if e.Display == nil {
			e.Display = make(map[string]any, len(d.Display))
		}
		for k, v := range d.Display {
			e.Display[k] = v
		}
	}
	if d.Position != nil {
		e.Position = *d.Position
	}
	var invalid []Attribute
	for k := range d.Attributes {
		if !k.Valid() {
			invalid = append(invalid, k)
		}
	}
	if len(d.Attributes) > 0 && e.Attributes == nil {
		e.Attributes = make(AttributeSet, len(d.Attributes))
	}
	for _, k := range Attributes {
		v, ok := d.Attributes[k]
		if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		e.Attributes[k] += v
	}
	e.Clamp()
	return invalid
}

// NewEntity 由首次写入的增量构造实体，manager 为写入方
func NewEntity(manager string, d EntityDelta) (EntityConfig, []Attribute) {
	e := EntityConfig{Manager: manager}
	invalid := e.Apply(d)
	if e.Attributes == nil {
		e.Attributes = make(AttributeSet)
	}
	return e, invalid
}

// Diff 计算 from→to 的增量（属性为差值），客户端生成出站增量时使用
func Diff(from, to EntityConfig) (EntityDelta, bool) {
	var d EntityDelta
	changed := false
	if from.Position != to.Position {
		p := to.Position
		d.Position = &p
		changed = true
	}
	for _, k := range Attributes {
		delta := to.Get(k) - from.Get(k)
		if delta == 0 {
			continue
		}
		if d.Attributes == nil {
			d.Attributes = make(AttributeSet)
		}
		d.Attributes[k] = delta
		changed = true
	}
	return d, changed
}

func (e EntityConfig) String() string {
	return fmt.Sprintf("%s[%s] hp=%.0f/%.0f mp=%.0f/%.0f @(%.1f,%.1f)",
		e.Type, e.Manager, e.Get(AttrHP), e.Get(AttrMaxHP), e.Get(AttrMP), e.Get(AttrMaxMP), e.Position.X, e.Position.Y)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
