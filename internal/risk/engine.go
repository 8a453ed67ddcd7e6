package risk

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/life2you_mini/memehunt/internal/model"
)

const (
	defaultRiskInterval = 30 * time.Second
	engineStopTimeout   = 5 * time.Second

	volatilityEWMAAlpha = 0.2
)

// PositionSource 持仓数据来源
type PositionSource interface {
	OpenSnapshots() []model.PositionSnapshot
	Balance() float64
}

// Liquidator 紧急清仓执行方
type Liquidator interface {
	EmergencyExitAll(ctx context.Context) error
}

// EmergencyStateStore 紧急停止状态持久化
type EmergencyStateStore interface {
	SaveEmergencyState(ctx context.Context, active bool, reasons []string) error
	LoadEmergencyState(ctx context.Context) (bool, []string, error)
}

// Thresholds 紧急停止判定阈值
type Thresholds struct {
	CriticalRiskScore float64 // 组合风险分临界值 (0-100)
	CriticalExposure  float64 // 敞口比例临界值 (%)
	DrawdownThreshold float64 // 回撤临界值 (%, 负值)
	ExtremeVolatility float64 // 平均波动率极端临界值
	MaxTokenRiskScore float64 // 允许开仓的最大代币风险分 (0-1)
}

// DefaultThresholds 默认判定阈值
func DefaultThresholds() Thresholds {
	return Thresholds{
		CriticalRiskScore: 70,
		CriticalExposure:  80,
		DrawdownThreshold: -20,
		ExtremeVolatility: 150,
		MaxTokenRiskScore: 0.8,
	}
}

// SizingConfig 仓位规模配置
type SizingConfig struct {
	MinTradeSize    float64 // 最小下单量 (SOL)
	MaxPositionSize float64 // 基准最大仓位 (SOL)
}

// PortfolioRiskState 组合风险快照
type PortfolioRiskState struct {
	RiskScore     float64   `json:"risk_score"` // 0-100
	RiskLevel     string    `json:"risk_level"`
	ExposureRatio float64   `json:"exposure_ratio"` // %
	Drawdown      float64   `json:"drawdown"`       // %
	AvgVolatility float64   `json:"avg_volatility"`
	AvgTokenRisk  float64   `json:"avg_token_risk"`
	PositionCount int       `json:"position_count"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// EmergencyCheck 紧急停止判定结果
type EmergencyCheck struct {
	ShouldExit bool
	Severity   string // CRITICAL / HIGH / MEDIUM
	Reason     string
}

// Engine 风险引擎
// 周期性评估组合风险，按阈值触发带闩锁的紧急停止
type Engine struct {
	thresholds Thresholds
	sizing     SizingConfig
	interval   time.Duration

	positions  PositionSource
	liquidator Liquidator
	stateStore EmergencyStateStore
	logger     *zap.Logger

	state            PortfolioRiskState
	peakEquity       float64
	tokenMetrics     map[string]model.TokenMetrics
	tokenVolatility  map[string]float64
	lastPrices       map[string]float64
	emergencyActive  bool
	emergencyReasons []string

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.RWMutex
	runMu     sync.Mutex
	isRunning bool
}

// NewEngine 创建风险引擎
func NewEngine(
	parentCtx context.Context,
	thresholds Thresholds,
	sizing SizingConfig,
	interval time.Duration,
	positions PositionSource,
	stateStore EmergencyStateStore,
	logger *zap.Logger,
) *Engine {
	if interval <= 0 {
		interval = defaultRiskInterval
	}
	if thresholds.CriticalRiskScore <= 0 {
		thresholds = DefaultThresholds()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	return &Engine{
		thresholds:      thresholds,
		sizing:          sizing,
		interval:        interval,
		positions:       positions,
		stateStore:      stateStore,
		logger:          logger.With(zap.String("component", "risk_engine")),
		tokenMetrics:    make(map[string]model.TokenMetrics),
		tokenVolatility: make(map[string]float64),
		lastPrices:      make(map[string]float64),
		ctx:             ctx,
		cancel:          cancel,
	}
}

// SetLiquidator 注入清仓执行方，避免构造期的环形依赖
func (e *Engine) SetLiquidator(l Liquidator) {
	e.mu.Lock()
	e.liquidator = l
	e.mu.Unlock()
}

// Start 启动风险评估循环，并恢复持久化的紧急停止状态
func (e *Engine) Start() error {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if e.isRunning {
		return fmt.Errorf("风险引擎已在运行")
	}
	e.isRunning = true

	e.restoreEmergencyState()

	e.logger.Info("启动风险引擎",
		zap.Duration("评估间隔", e.interval),
		zap.Float64("风险分临界值", e.thresholds.CriticalRiskScore),
		zap.Float64("敞口临界值", e.thresholds.CriticalExposure))

	e.wg.Add(1)
	go e.evaluationLoop()

	return nil
}

// Stop 停止风险引擎
func (e *Engine) Stop() error {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if !e.isRunning {
		return nil
	}

	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("风险引擎已停止")
	case <-time.After(engineStopTimeout):
		e.logger.Warn("风险引擎停止超时")
	}

	e.isRunning = false
	return nil
}

func (e *Engine) restoreEmergencyState() {
	if e.stateStore == nil {
		return
	}
	active, reasons, err := e.stateStore.LoadEmergencyState(e.ctx)
	if err != nil {
		e.logger.Warn("恢复紧急停止状态失败", zap.Error(err))
		return
	}
	if active {
		e.mu.Lock()
		e.emergencyActive = true
		e.emergencyReasons = reasons
		e.mu.Unlock()
		e.logger.Warn("检测到上次运行遗留的紧急停止状态，维持停止",
			zap.Strings("reasons", reasons))
	}
}

// evaluationLoop 周期评估组合风险
func (e *Engine) evaluationLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	// 立即执行一次评估
	e.evaluate()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.evaluate()
		}
	}
}

// evaluate 重算组合风险状态并做紧急停止判定
func (e *Engine) evaluate() {
	if e.positions == nil {
		return
	}

	snapshots := e.positions.OpenSnapshots()
	balance := e.positions.Balance()

	e.mu.Lock()

	var positionValue, pnlAbs, volSum, tokenRiskSum float64
	for _, p := range snapshots {
		positionValue += p.Size + p.PnLAbs
		pnlAbs += p.PnLAbs

		// 用本周期价格变动更新每代币波动率EWMA
		if last, ok := e.lastPrices[p.Token]; ok && last > 0 && p.CurrentPrice > 0 {
			change := math.Abs(p.CurrentPrice-last) / last * 100
			e.tokenVolatility[p.Token] = UpdateEWMAVolatility(e.tokenVolatility[p.Token], change, volatilityEWMAAlpha)
		}
		if p.CurrentPrice > 0 {
			e.lastPrices[p.Token] = p.CurrentPrice
		}

		if m, ok := e.tokenMetrics[p.Token]; ok {
			tokenRiskSum += CalculateTokenRiskScore(m)
			if e.tokenVolatility[p.Token] == 0 && m.Volatility > 0 {
				e.tokenVolatility[p.Token] = m.Volatility
			}
		} else {
			tokenRiskSum += 0.30
		}
		volSum += e.tokenVolatility[p.Token]
	}

	equity := balance + positionValue
	if equity > e.peakEquity {
		e.peakEquity = equity
	}

	state := PortfolioRiskState{
		ExposureRatio: CalculateExposureRatio(positionValue, balance),
		Drawdown:      CalculateDrawdown(equity, e.peakEquity),
		PositionCount: len(snapshots),
		UpdatedAt:     time.Now(),
	}
	if len(snapshots) > 0 {
		state.AvgVolatility = volSum / float64(len(snapshots))
		state.AvgTokenRisk = tokenRiskSum / float64(len(snapshots))
	}
	state.RiskScore = CalculatePortfolioRiskScore(state.ExposureRatio, state.AvgTokenRisk, state.AvgVolatility, state.Drawdown)
	state.RiskLevel = RiskLevelFor(state.RiskScore)

	e.state = state
	alreadyStopped := e.emergencyActive
	e.mu.Unlock()

	e.logger.Debug("组合风险评估",
		zap.Float64("risk_score", state.RiskScore),
		zap.String("risk_level", state.RiskLevel),
		zap.Float64("exposure", state.ExposureRatio),
		zap.Float64("drawdown", state.Drawdown))

	if alreadyStopped {
		return
	}

	if check := e.CheckEmergencyExit(); check.ShouldExit {
		e.logger.Error("触发紧急停止条件",
			zap.String("severity", check.Severity),
			zap.String("reason", check.Reason))
		e.TriggerEmergencyStop(check.Reason)
	}
}

// CheckEmergencyExit 按固定优先级做紧急停止判定
// 顺序: 组合风险分 > 敞口比例 > 组合回撤 > 平均波动率
func (e *Engine) CheckEmergencyExit() EmergencyCheck {
	e.mu.RLock()
	state := e.state
	e.mu.RUnlock()

	if state.RiskScore > e.thresholds.CriticalRiskScore {
		return EmergencyCheck{true, "CRITICAL",
			fmt.Sprintf("组合风险分 %.1f 超过临界值 %.1f", state.RiskScore, e.thresholds.CriticalRiskScore)}
	}
	if state.ExposureRatio > e.thresholds.CriticalExposure {
		return EmergencyCheck{true, "HIGH",
			fmt.Sprintf("敞口比例 %.1f%% 超过临界值 %.1f%%", state.ExposureRatio, e.thresholds.CriticalExposure)}
	}
	if state.Drawdown < e.thresholds.DrawdownThreshold {
		return EmergencyCheck{true, "HIGH",
			fmt.Sprintf("组合回撤 %.1f%% 跌破临界值 %.1f%%", state.Drawdown, e.thresholds.DrawdownThreshold)}
	}
	if state.AvgVolatility > e.thresholds.ExtremeVolatility {
		return EmergencyCheck{true, "MEDIUM",
			fmt.Sprintf("平均波动率 %.1f 超过极端临界值 %.1f", state.AvgVolatility, e.thresholds.ExtremeVolatility)}
	}

	return EmergencyCheck{}
}

// TriggerEmergencyStop 触发紧急停止
// 幂等: 已处于停止状态时仅追加原因并返回false
func (e *Engine) TriggerEmergencyStop(reason string) bool {
	e.mu.Lock()
	if e.emergencyActive {
		e.emergencyReasons = append(e.emergencyReasons, reason)
		reasons := append([]string(nil), e.emergencyReasons...)
		e.mu.Unlock()
		e.persistEmergencyState(true, reasons)
		e.logger.Warn("紧急停止已生效，追加触发原因", zap.String("reason", reason))
		return false
	}

	e.emergencyActive = true
	e.emergencyReasons = append(e.emergencyReasons, reason)
	reasons := append([]string(nil), e.emergencyReasons...)
	liquidator := e.liquidator
	e.mu.Unlock()

	e.logger.Error("进入紧急停止状态", zap.String("reason", reason))
	e.persistEmergencyState(true, reasons)

	// 清仓失败不影响停止状态，停止闩锁保持生效
	if liquidator != nil {
		if err := liquidator.EmergencyExitAll(e.ctx); err != nil {
			e.logger.Error("紧急清仓未完全成功", zap.Error(err))
		}
	}

	return true
}

// ResetEmergencyStop 人工解除紧急停止，未处于停止状态时返回false
func (e *Engine) ResetEmergencyStop(operatorID string) bool {
	e.mu.Lock()
	if !e.emergencyActive {
		e.mu.Unlock()
		return false
	}
	e.emergencyActive = false
	reasons := e.emergencyReasons
	e.emergencyReasons = nil
	e.mu.Unlock()

	e.persistEmergencyState(false, nil)
	e.logger.Warn("紧急停止已人工解除",
		zap.String("operator", operatorID),
		zap.Strings("历史原因", reasons))
	return true
}

func (e *Engine) persistEmergencyState(active bool, reasons []string) {
	if e.stateStore == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := e.stateStore.SaveEmergencyState(ctx, active, reasons); err != nil {
		e.logger.Warn("持久化紧急停止状态失败", zap.Error(err))
	}
}

// EmergencyActive 当前是否处于紧急停止状态
func (e *Engine) EmergencyActive() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.emergencyActive
}

// EmergencyReasons 紧急停止触发原因历史
func (e *Engine) EmergencyReasons() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.emergencyReasons...)
}

// GetPortfolioRisk 当前组合风险快照
func (e *Engine) GetPortfolioRisk() PortfolioRiskState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// UpdateTokenMetrics 更新代币链上指标，供扫描器回写
func (e *Engine) UpdateTokenMetrics(metrics model.TokenMetrics) {
	if metrics.Token == "" {
		return
	}
	e.mu.Lock()
	metrics.UpdatedAt = time.Now()
	e.tokenMetrics[metrics.Token] = metrics
	if metrics.Volatility > 0 {
		if _, ok := e.tokenVolatility[metrics.Token]; !ok {
			e.tokenVolatility[metrics.Token] = metrics.Volatility
		}
	}
	e.mu.Unlock()
}

// EvaluateTokenRisk 评估单个代币的风险分 [0,1]
// 无指标数据时按基础风险返回
func (e *Engine) EvaluateTokenRisk(metrics model.TokenMetrics) float64 {
	if metrics.Token != "" {
		e.mu.RLock()
		if cached, ok := e.tokenMetrics[metrics.Token]; ok && metrics.LiquidityUSD == 0 {
			metrics = cached
		}
		e.mu.RUnlock()
	}
	return CalculateTokenRiskScore(metrics)
}

// MaxTokenRisk 允许开仓的最大代币风险分
func (e *Engine) MaxTokenRisk() float64 {
	return e.thresholds.MaxTokenRiskScore
}

// PositionSizeFor 按波动率与组合风险计算建议仓位 (SOL)
// 波动率越高分母越大，组合风险越高上限越小
func (e *Engine) PositionSizeFor(token string, balance float64) float64 {
	e.mu.RLock()
	vol := e.tokenVolatility[token]
	if vol == 0 {
		if m, ok := e.tokenMetrics[token]; ok {
			vol = m.Volatility
		}
	}
	portfolioRisk := e.state.RiskScore
	e.mu.RUnlock()

	divisor := math.Max(2, vol/10)
	size := balance / divisor

	riskAdjustedMax := e.sizing.MaxPositionSize * (1 - portfolioRisk/100)
	if riskAdjustedMax < e.sizing.MinTradeSize {
		riskAdjustedMax = e.sizing.MinTradeSize
	}

	if size > riskAdjustedMax {
		size = riskAdjustedMax
	}
	if size < e.sizing.MinTradeSize {
		size = e.sizing.MinTradeSize
	}
	return size
}
