package analysis

import (
	"fmt"
	"math"
	"sort"
)

// 斐波那契回撤比例
var retracementRatios = []float64{0, 0.236, 0.382, 0.5, 0.618, 0.786, 1}

// 向上扩展比例
var extensionRatios = []float64{1.272, 1.618, 2.618}

// 黄金分割位
const goldenRatio = 0.618

// Level 单个斐波那契价位
type Level struct {
	Ratio float64 `json:"ratio"`
	Price float64 `json:"price"`
}

// Retracement 一段行情的斐波那契回撤分析
type Retracement struct {
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Levels     []Level `json:"levels"`
	Extensions []Level `json:"extensions"`
}

// EntrySignal 基于斐波那契位的入场判断
type EntrySignal struct {
	Action     string  `json:"action"` // BUY / SELL / HOLD
	Confidence float64 `json:"confidence"`
	Level      Level   `json:"level"`
	Reasoning  string  `json:"reasoning"`
}

// NewRetracement 由区间高低点计算回撤与扩展价位
// 回撤位按价格从高到低排列，ratio=0对应高点
func NewRetracement(high, low float64) (*Retracement, error) {
	if high <= low {
		return nil, fmt.Errorf("无效价格区间: high=%f low=%f", high, low)
	}

	span := high - low
	r := &Retracement{High: high, Low: low}

	for _, ratio := range retracementRatios {
		r.Levels = append(r.Levels, Level{Ratio: ratio, Price: high - span*ratio})
	}
	for _, ratio := range extensionRatios {
		r.Extensions = append(r.Extensions, Level{Ratio: ratio, Price: low + span*ratio})
	}

	return r, nil
}

// FromPriceHistory 由价格序列的极值构建回撤分析
func FromPriceHistory(prices []float64) (*Retracement, error) {
	if len(prices) < 2 {
		return nil, fmt.Errorf("价格序列不足: %d", len(prices))
	}

	high, low := prices[0], prices[0]
	for _, p := range prices[1:] {
		if p > high {
			high = p
		}
		if p < low {
			low = p
		}
	}
	return NewRetracement(high, low)
}

// NearestLevel 距当前价最近的回撤位
func (r *Retracement) NearestLevel(price float64) Level {
	nearest := r.Levels[0]
	best := math.Abs(price - nearest.Price)
	for _, lv := range r.Levels[1:] {
		if d := math.Abs(price - lv.Price); d < best {
			best = d
			nearest = lv
		}
	}
	return nearest
}

// SupportLevels 当前价下方的支撑位，按距离由近及远
func (r *Retracement) SupportLevels(price float64) []Level {
	var out []Level
	for _, lv := range r.Levels {
		if lv.Price < price {
			out = append(out, lv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Price > out[j].Price })
	return out
}

// ResistanceLevels 当前价上方的阻力位，按距离由近及远
func (r *Retracement) ResistanceLevels(price float64) []Level {
	var out []Level
	for _, lv := range r.Levels {
		if lv.Price > price {
			out = append(out, lv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Price < out[j].Price })
	return out
}

// proximity 当前价与价位的相对偏差
func proximity(price, levelPrice float64) float64 {
	if levelPrice == 0 {
		return math.MaxFloat64
	}
	return math.Abs(price-levelPrice) / levelPrice
}

// 判定价格贴近某价位的相对偏差阈值
const levelProximityThreshold = 0.015

// EvaluateEntry 基于当前价相对斐波那契位的位置给出入场判断
// 贴近深度回撤支撑视为反弹买点，贴近黄金分割位且动能向上视为顺势买点，
// 贴近浅回撤阻力位视为减仓点，其余观望
func (r *Retracement) EvaluateEntry(price, prevPrice float64) EntrySignal {
	nearest := r.NearestLevel(price)

	if proximity(price, nearest.Price) <= levelProximityThreshold {
		rising := price > prevPrice

		switch {
		case nearest.Ratio == goldenRatio && rising:
			return EntrySignal{
				Action:     "BUY",
				Confidence: 0.85,
				Level:      nearest,
				Reasoning:  fmt.Sprintf("价格在黄金分割位 %.4f 企稳回升", nearest.Price),
			}
		case nearest.Ratio >= 0.618 && nearest.Ratio < 1:
			return EntrySignal{
				Action:     "BUY",
				Confidence: 0.8,
				Level:      nearest,
				Reasoning:  fmt.Sprintf("价格测试深度回撤支撑位 %.4f (%.1f%%)", nearest.Price, nearest.Ratio*100),
			}
		case nearest.Ratio <= 0.382 && nearest.Ratio > 0 && !rising:
			return EntrySignal{
				Action:     "SELL",
				Confidence: 0.7,
				Level:      nearest,
				Reasoning:  fmt.Sprintf("价格受阻于浅回撤位 %.4f (%.1f%%)", nearest.Price, nearest.Ratio*100),
			}
		}
	}

	return EntrySignal{
		Action:     "HOLD",
		Confidence: 0.5,
		Level:      nearest,
		Reasoning:  "价格未处于关键斐波那契位",
	}
}
