package trading

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/life2you_mini/memehunt/internal/model"
	"github.com/life2you_mini/memehunt/internal/signal"
)

const (
	defaultTradeInterval = 30 * time.Second
	traderStopTimeout    = 5 * time.Second
	tradeProcessTimeout  = 60 * time.Second
)

// RiskAssessor 风险引擎提供给交易执行器的能力
type RiskAssessor interface {
	EmergencyActive() bool
	EvaluateTokenRisk(metrics model.TokenMetrics) float64
	MaxTokenRisk() float64
	PositionSizeFor(token string, balance float64) float64
}

// RecommendationSource 聚合信号来源
type RecommendationSource interface {
	GetRecommendations(minConfidence float64) []*signal.AggregatedSignal
}

// TraderOptions 交易执行配置
type TraderOptions struct {
	AutoTrade         bool
	MinBuyConfidence  float64
	PartialTPFraction float64 // 首次止盈平仓比例 (0-100)
	Interval          time.Duration
}

// Trader 交易执行器
// 周期性消费聚合信号建议，经风险门禁后开仓，并执行持仓的止盈止损
type Trader struct {
	opts      TraderOptions
	logger    *zap.Logger
	positions *PositionManager
	risk      RiskAssessor
	signals   RecommendationSource

	// 已执行过首次止盈的持仓，避免重复部分平仓
	partialDone map[string]bool

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
}

// NewTrader 创建交易执行器
func NewTrader(
	parentCtx context.Context,
	opts TraderOptions,
	positions *PositionManager,
	risk RiskAssessor,
	signals RecommendationSource,
	logger *zap.Logger,
) *Trader {
	if opts.Interval <= 0 {
		opts.Interval = defaultTradeInterval
	}
	if opts.MinBuyConfidence <= 0 {
		opts.MinBuyConfidence = 0.7
	}
	if opts.PartialTPFraction <= 0 || opts.PartialTPFraction > 100 {
		opts.PartialTPFraction = 50
	}

	ctx, cancel := context.WithCancel(parentCtx)
	return &Trader{
		opts:        opts,
		logger:      logger.With(zap.String("component", "trader")),
		positions:   positions,
		risk:        risk,
		signals:     signals,
		partialDone: make(map[string]bool),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start 启动交易循环
func (t *Trader) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.isRunning {
		return fmt.Errorf("交易执行器已在运行")
	}
	t.isRunning = true

	t.logger.Info("启动交易执行器",
		zap.Bool("自动交易", t.opts.AutoTrade),
		zap.Float64("开仓最低置信度", t.opts.MinBuyConfidence),
		zap.Duration("执行间隔", t.opts.Interval))

	t.wg.Add(1)
	go t.tradeLoop()

	return nil
}

// Stop 停止交易执行器
func (t *Trader) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.isRunning {
		return nil
	}

	t.cancel()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.logger.Info("交易执行器已停止")
	case <-time.After(traderStopTimeout):
		t.logger.Warn("交易执行器停止超时")
	}

	t.isRunning = false
	return nil
}

func (t *Trader) tradeLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			cycleCtx, cancel := context.WithTimeout(t.ctx, tradeProcessTimeout)
			t.runCycle(cycleCtx)
			cancel()
		}
	}
}

// runCycle 单轮执行: 先处理持仓的强制平仓条件，再评估新的开仓建议
func (t *Trader) runCycle(ctx context.Context) {
	t.applyExitConditions(ctx)

	if !t.opts.AutoTrade {
		return
	}
	if t.risk.EmergencyActive() {
		t.logger.Debug("紧急停止状态，跳过开仓评估")
		return
	}

	t.evaluateEntries(ctx)
}

// applyExitConditions 执行止盈止损
// 首次止盈做部分平仓，再次触发或止损时全平
func (t *Trader) applyExitConditions(ctx context.Context) {
	t.prunePartialDone()

	for _, check := range t.positions.CheckExitConditions() {
		switch check.Action {
		case ExitTakeProfit:
			t.mu.Lock()
			donePartial := t.partialDone[check.PositionID]
			t.mu.Unlock()

			fraction := 100.0
			if !donePartial {
				fraction = t.opts.PartialTPFraction
			}

			closed, err := t.positions.Close(ctx, check.PositionID, fraction, ExitTakeProfit)
			if err != nil {
				t.logger.Error("止盈平仓失败",
					zap.String("position_id", check.PositionID),
					zap.String("token", check.Token),
					zap.Error(err))
				continue
			}

			t.mu.Lock()
			if closed.Partial {
				t.partialDone[check.PositionID] = true
			} else {
				delete(t.partialDone, check.PositionID)
			}
			t.mu.Unlock()

			t.logger.Info("止盈执行完成",
				zap.String("position_id", check.PositionID),
				zap.String("token", check.Token),
				zap.Float64("pnl_percent", check.PnLPercent),
				zap.Float64("fraction", fraction))

		case ExitStopLoss:
			if _, err := t.positions.Close(ctx, check.PositionID, 100, ExitStopLoss); err != nil {
				t.logger.Error("止损平仓失败",
					zap.String("position_id", check.PositionID),
					zap.String("token", check.Token),
					zap.Error(err))
				continue
			}

			t.mu.Lock()
			delete(t.partialDone, check.PositionID)
			t.mu.Unlock()

			t.logger.Info("止损执行完成",
				zap.String("position_id", check.PositionID),
				zap.String("token", check.Token),
				zap.Float64("pnl_percent", check.PnLPercent))
		}
	}
}

// prunePartialDone 清理已被紧急清仓或手动平仓路径平掉的持仓残留标记
func (t *Trader) prunePartialDone() {
	live := make(map[string]struct{})
	for _, p := range t.positions.GetActivePositions() {
		live[p.ID] = struct{}{}
	}

	t.mu.Lock()
	for id := range t.partialDone {
		if _, ok := live[id]; !ok {
			delete(t.partialDone, id)
		}
	}
	t.mu.Unlock()
}

// evaluateEntries 按聚合信号建议评估开仓
func (t *Trader) evaluateEntries(ctx context.Context) {
	recommendations := t.signals.GetRecommendations(t.opts.MinBuyConfidence)

	for _, rec := range recommendations {
		if rec.Recommendation != signal.RecStrongBuy && rec.Recommendation != signal.RecBuy {
			continue
		}
		if t.positions.HasPositionFor(rec.Token) {
			continue
		}

		// 代币风险门禁
		tokenRisk := t.risk.EvaluateTokenRisk(model.TokenMetrics{Token: rec.Token})
		if tokenRisk > t.risk.MaxTokenRisk() {
			t.logger.Info("代币风险过高，放弃开仓",
				zap.String("token", rec.Token),
				zap.Float64("token_risk", tokenRisk),
				zap.Float64("上限", t.risk.MaxTokenRisk()))
			continue
		}

		size := t.risk.PositionSizeFor(rec.Token, t.positions.Balance())

		position, err := t.positions.Open(ctx, rec.Token, "", size)
		if err != nil {
			if errors.Is(err, ErrMaxPositions) || errors.Is(err, ErrEmergencyActive) {
				t.logger.Debug("本轮停止开仓", zap.Error(err))
				return
			}
			t.logger.Error("开仓失败",
				zap.String("token", rec.Token),
				zap.Error(err))
			continue
		}

		t.logger.Info("按信号建议开仓",
			zap.String("position_id", position.ID),
			zap.String("token", rec.Token),
			zap.String("recommendation", string(rec.Recommendation)),
			zap.Float64("confidence", rec.Confidence),
			zap.Float64("size", size))
	}
}
