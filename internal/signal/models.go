package signal

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidSignal 无效信号
var ErrInvalidSignal = errors.New("无效信号")

// SignalSource 信号来源
type SignalSource string

const (
	SourceAINeural        SignalSource = "AI_NEURAL"
	SourceWhaleTracker    SignalSource = "WHALE_TRACKER"
	SourceTechnical       SignalSource = "TECHNICAL_ANALYSIS"
	SourceVolumeScanner   SignalSource = "VOLUME_SCANNER"
	SourceDexMonitor      SignalSource = "DEX_MONITOR"
	SourceSocialSentiment SignalSource = "SOCIAL_SENTIMENT"
)

// Direction 信号方向
type Direction string

const (
	DirectionBullish Direction = "BULLISH"
	DirectionBearish Direction = "BEARISH"
	DirectionNeutral Direction = "NEUTRAL"
)

// Recommendation 聚合后给交易端的操作建议
type Recommendation string

const (
	RecStrongBuy  Recommendation = "STRONG_BUY"
	RecBuy        Recommendation = "BUY"
	RecAccumulate Recommendation = "ACCUMULATE"
	RecHold       Recommendation = "HOLD"
	RecReduce     Recommendation = "REDUCE"
	RecSell       Recommendation = "SELL"
	RecStrongSell Recommendation = "STRONG_SELL"
	RecMonitor    Recommendation = "MONITOR"
)

// DefaultSourceWeights 各来源的可靠度权重
func DefaultSourceWeights() map[SignalSource]float64 {
	return map[SignalSource]float64{
		SourceAINeural:        0.85,
		SourceWhaleTracker:    0.80,
		SourceTechnical:       0.75,
		SourceVolumeScanner:   0.70,
		SourceDexMonitor:      0.70,
		SourceSocialSentiment: 0.65,
	}
}

// TradingSignal 单条原始交易信号，入池后不再修改
type TradingSignal struct {
	ID          string                 `json:"id"`
	Token       string                 `json:"token"`
	MintAddress string                 `json:"mint_address,omitempty"`
	Source      SignalSource           `json:"source"`
	Direction   Direction              `json:"direction"`
	Strength    float64                `json:"strength"`   // [0,1]
	Confidence  float64                `json:"confidence"` // [0,1]
	Timeframe   string                 `json:"timeframe,omitempty"`
	Reasoning   string                 `json:"reasoning,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// NewTradingSignal 创建信号并截断越界的强度/置信度
func NewTradingSignal(token string, source SignalSource, direction Direction, strength, confidence float64) *TradingSignal {
	return &TradingSignal{
		ID:         uuid.NewString(),
		Token:      token,
		Source:     source,
		Direction:  direction,
		Strength:   clamp01(strength),
		Confidence: clamp01(confidence),
		CreatedAt:  time.Now(),
	}
}

// Age 信号距创建的时长
func (s *TradingSignal) Age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}

// Validate 校验信号必填字段
func (s *TradingSignal) Validate(weights map[SignalSource]float64) error {
	if s == nil || s.Token == "" {
		return fmt.Errorf("%w: 缺少代币标识", ErrInvalidSignal)
	}
	if _, ok := weights[s.Source]; !ok {
		return fmt.Errorf("%w: 未知来源 %s", ErrInvalidSignal, s.Source)
	}
	return nil
}

// AggregatedSignal 按代币聚合的综合信号
type AggregatedSignal struct {
	Token          string         `json:"token"`
	Direction      Direction      `json:"direction"`
	Strength       float64        `json:"strength"`
	Confidence     float64        `json:"confidence"`
	NetScore       float64        `json:"net_score"`
	Recommendation Recommendation `json:"recommendation"`
	SignalCount    int            `json:"signal_count"`
	Sources        []SignalSource `json:"sources"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Metrics 聚合器运行指标
type Metrics struct {
	TotalReceived int       `json:"total_received"`
	TotalDropped  int       `json:"total_dropped"`
	ActiveSignals int       `json:"active_signals"`
	TrackedTokens int       `json:"tracked_tokens"`
	AvgConfidence float64   `json:"avg_confidence"`
	LastUpdate    time.Time `json:"last_update"`
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
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
