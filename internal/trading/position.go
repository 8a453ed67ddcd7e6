package trading

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/life2you_mini/memehunt/internal/exchange"
	"github.com/life2you_mini/memehunt/internal/model"
)

const (
	defaultMaxPositions    = 5
	defaultRefreshInterval = 15 * time.Second
	managerStopTimeout     = 5 * time.Second

	// 价格源连续失败达到该周期数后标记为降级
	staleCycleThreshold = 3
)

// EmergencyGate 紧急停止状态查询
type EmergencyGate interface {
	EmergencyActive() bool
}

// PositionStore 持仓持久化接口
type PositionStore interface {
	SavePositionSnapshot(ctx context.Context, positions []*Position) error
	AppendClosedPosition(ctx context.Context, closed *ClosedPosition) error
}

// ManagerOptions 持仓管理配置
type ManagerOptions struct {
	MaxPositions      int
	InitialBalance    float64 // SOL
	TakeProfitPercent float64 // 触发止盈建议的盈亏百分比
	StopLossPercent   float64 // 触发止损建议的盈亏百分比（负值）
	RefreshInterval   time.Duration
}

// PositionManager 持仓管理器
// 持有全部未平仓头寸，维护精确的SOL余额账本，周期刷新价格并产出平仓建议
type PositionManager struct {
	opts   ManagerOptions
	logger *zap.Logger

	priceFeed     exchange.PriceFeed
	executor      exchange.TradeExecutor
	referenceFeed exchange.ReferencePriceFeed
	gate          EmergencyGate
	store         PositionStore

	idNode *snowflake.Node

	positions   map[string]*Position
	closing     map[string]bool
	balance     decimal.Decimal
	realizedPnL decimal.Decimal
	staleCounts map[string]int
	closedCount int
	winCount    int

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.RWMutex
	runMu     sync.Mutex
	isRunning bool
}

// NewPositionManager 创建持仓管理器
func NewPositionManager(
	parentCtx context.Context,
	opts ManagerOptions,
	priceFeed exchange.PriceFeed,
	executor exchange.TradeExecutor,
	logger *zap.Logger,
) (*PositionManager, error) {
	if opts.MaxPositions <= 0 {
		opts.MaxPositions = defaultMaxPositions
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = defaultRefreshInterval
	}
	if opts.TakeProfitPercent == 0 {
		opts.TakeProfitPercent = 150
	}
	if opts.StopLossPercent == 0 {
		opts.StopLossPercent = -30
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return nil, fmt.Errorf("初始化持仓ID生成器失败: %w", err)
	}

	ctx, cancel := context.WithCancel(parentCtx)
	return &PositionManager{
		opts:        opts,
		logger:      logger.With(zap.String("component", "position_manager")),
		priceFeed:   priceFeed,
		executor:    executor,
		idNode:      node,
		positions:   make(map[string]*Position),
		closing:     make(map[string]bool),
		balance:     solAmount(opts.InitialBalance),
		realizedPnL: decimal.Zero,
		staleCounts: make(map[string]int),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// SetEmergencyGate 注入紧急停止门禁
func (pm *PositionManager) SetEmergencyGate(gate EmergencyGate) {
	pm.mu.Lock()
	pm.gate = gate
	pm.mu.Unlock()
}

// SetReferenceFeed 注入参考价源，用于USD估值
func (pm *PositionManager) SetReferenceFeed(feed exchange.ReferencePriceFeed) {
	pm.mu.Lock()
	pm.referenceFeed = feed
	pm.mu.Unlock()
}

// SetStore 注入持久化存储
func (pm *PositionManager) SetStore(store PositionStore) {
	pm.mu.Lock()
	pm.store = store
	pm.mu.Unlock()
}

// Start 启动价格刷新循环
func (pm *PositionManager) Start() error {
	pm.runMu.Lock()
	defer pm.runMu.Unlock()

	if pm.isRunning {
		return fmt.Errorf("持仓管理器已在运行")
	}
	pm.isRunning = true

	pm.logger.Info("启动持仓管理器",
		zap.Int("最大持仓数", pm.opts.MaxPositions),
		zap.String("初始余额", pm.balance.String()),
		zap.Duration("刷新间隔", pm.opts.RefreshInterval))

	pm.wg.Add(1)
	go pm.refreshLoop()

	return nil
}

// Stop 停止持仓管理器
func (pm *PositionManager) Stop() error {
	pm.runMu.Lock()
	defer pm.runMu.Unlock()

	if !pm.isRunning {
		return nil
	}

	pm.cancel()

	done := make(chan struct{})
	go func() {
		pm.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		pm.logger.Info("持仓管理器已停止")
	case <-time.After(managerStopTimeout):
		pm.logger.Warn("持仓管理器停止超时")
	}

	pm.isRunning = false
	return nil
}

func (pm *PositionManager) refreshLoop() {
	defer pm.wg.Done()

	ticker := time.NewTicker(pm.opts.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-pm.ctx.Done():
			return
		case <-ticker.C:
			refreshCtx, cancel := context.WithTimeout(pm.ctx, pm.opts.RefreshInterval)
			pm.RefreshPrices(refreshCtx)
			cancel()
		}
	}
}

// Open 开仓
// 检查顺序: 紧急停止 > 持仓容量 > 余额充足，全部通过后先扣账再执行买入
func (pm *PositionManager) Open(ctx context.Context, token, mintAddress string, size float64) (*Position, error) {
	if size <= 0 {
		return nil, fmt.Errorf("开仓规模必须为正: %f", size)
	}

	pm.mu.Lock()
	if pm.gate != nil && pm.gate.EmergencyActive() {
		pm.mu.Unlock()
		return nil, ErrEmergencyActive
	}
	if len(pm.positions) >= pm.opts.MaxPositions {
		pm.mu.Unlock()
		return nil, fmt.Errorf("%w: 当前 %d, 上限 %d", ErrMaxPositions, len(pm.positions), pm.opts.MaxPositions)
	}

	cost := solAmount(size)
	if pm.balance.LessThan(cost) {
		pm.mu.Unlock()
		return nil, fmt.Errorf("%w: 需要 %s, 可用 %s", ErrInsufficientBalance, cost.String(), pm.balance.String())
	}
	// 先扣账占位，买入失败时回滚
	pm.balance = pm.balance.Sub(cost)
	pm.mu.Unlock()

	result, err := pm.executor.Buy(ctx, token, size)
	if err != nil || !result.Success {
		pm.mu.Lock()
		pm.balance = pm.balance.Add(cost)
		pm.mu.Unlock()
		if err == nil {
			err = fmt.Errorf("%w: %s", exchange.ErrSwapFailed, result.Message)
		}
		return nil, fmt.Errorf("买入 %s 失败: %w", token, err)
	}

	// 买入期间触发紧急停止时放弃该头寸，立即回吐
	if pm.gate != nil && pm.gate.EmergencyActive() {
		pm.mu.Lock()
		pm.balance = pm.balance.Add(cost)
		pm.mu.Unlock()
		if _, sellErr := pm.executor.Sell(ctx, token, result.AmountOut); sellErr != nil {
			pm.logger.Error("紧急停止期间回吐买入失败", zap.String("token", token), zap.Error(sellErr))
		}
		return nil, ErrEmergencyActive
	}

	now := time.Now()
	position := &Position{
		ID:           pm.idNode.Generate().String(),
		Token:        token,
		MintAddress:  mintAddress,
		EntryPrice:   result.Price,
		CurrentPrice: result.Price,
		Size:         size,
		Quantity:     result.AmountOut,
		Status:       StatusActive,
		StatusTag:    TagMonitor,
		EntryTxID:    result.TxID,
		OpenedAt:     now,
		UpdatedAt:    now,
	}

	pm.mu.Lock()
	pm.positions[position.ID] = position
	pm.mu.Unlock()

	pm.logger.Info("开仓成功",
		zap.String("position_id", position.ID),
		zap.String("token", token),
		zap.Float64("size", size),
		zap.Float64("entry_price", result.Price),
		zap.Float64("quantity", result.AmountOut),
		zap.String("tx_id", result.TxID))

	pm.persistSnapshot(ctx)
	return position, nil
}

// RefreshPrices 刷新全部持仓价格并重算盈亏与状态
// 单个代币取价失败不影响其余持仓，累计失败达到阈值后标记价格降级
func (pm *PositionManager) RefreshPrices(ctx context.Context) {
	pm.mu.RLock()
	tokens := make(map[string][]string, len(pm.positions)) // token -> position ids
	for id, p := range pm.positions {
		tokens[p.Token] = append(tokens[p.Token], id)
	}
	pm.mu.RUnlock()

	if len(tokens) == 0 {
		return
	}

	prices := make(map[string]float64, len(tokens))
	for token := range tokens {
		price, err := pm.priceFeed.GetPrice(ctx, token)
		if err != nil {
			pm.mu.Lock()
			pm.staleCounts[token]++
			stale := pm.staleCounts[token]
			pm.mu.Unlock()
			pm.logger.Warn("刷新价格失败，沿用上次价格",
				zap.String("token", token),
				zap.Int("连续失败次数", stale),
				zap.Error(err))
			continue
		}
		prices[token] = price
	}

	pm.mu.Lock()
	for token, price := range prices {
		pm.staleCounts[token] = 0
		for _, id := range tokens[token] {
			if p, ok := pm.positions[id]; ok {
				p.CurrentPrice = price
				p.refreshDerived()
			}
		}
	}
	pm.mu.Unlock()

	pm.persistSnapshot(ctx)
}

// Close 平仓
// fraction为平仓比例(0,100]; 100为全平，其余为部分平仓，剩余头寸保持未平仓状态
func (pm *PositionManager) Close(ctx context.Context, positionID string, fraction float64, action string) (*ClosedPosition, error) {
	if fraction <= 0 || fraction > 100 {
		return nil, fmt.Errorf("%w: %f", ErrInvalidFraction, fraction)
	}
	if action == "" {
		action = ExitManual
	}

	pm.mu.Lock()
	position, ok := pm.positions[positionID]
	// 平仓在途的持仓不可重复平仓，避免双重卖出与双重入账
	if !ok || pm.closing[positionID] {
		pm.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, positionID)
	}
	pm.closing[positionID] = true
	sellQty := position.Quantity * fraction / 100
	pm.mu.Unlock()

	result, err := pm.executor.Sell(ctx, position.Token, sellQty)
	if err != nil || !result.Success {
		pm.mu.Lock()
		delete(pm.closing, positionID)
		pm.mu.Unlock()
		if err == nil {
			err = fmt.Errorf("%w: %s", exchange.ErrSwapFailed, result.Message)
		}
		return nil, fmt.Errorf("卖出 %s 失败: %w", position.Token, err)
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.closing, positionID)

	// 以成交价重算一次盈亏，账本按decimal精确入账
	position.CurrentPrice = result.Price
	position.refreshDerived()

	fracDec := solAmount(fraction).Div(solAmount(100))
	sizeDec := solAmount(position.Size)
	pnlDec := solAmount(position.PnLAbs)
	credit := sizeDec.Add(pnlDec).Mul(fracDec)
	realized := pnlDec.Mul(fracDec)

	pm.balance = pm.balance.Add(credit)
	pm.realizedPnL = pm.realizedPnL.Add(realized)
	pm.closedCount++
	if realized.IsPositive() {
		pm.winCount++
	}

	closed := &ClosedPosition{
		Position:   *position,
		ExitAction: action,
		ExitPrice:  result.Price,
		ExitTxID:   result.TxID,
		Proceeds:   credit.InexactFloat64(),
		ClosedAt:   time.Now(),
		Fraction:   fraction,
	}

	if fraction == 100 {
		position.Status = StatusClosed
		closed.Position.Status = StatusClosed
		delete(pm.positions, positionID)
	} else {
		// 部分平仓: 规模与数量等比例缩减，头寸继续持有
		remain := decimal.NewFromInt(1).Sub(fracDec)
		position.Size = sizeDec.Mul(remain).InexactFloat64()
		position.Quantity = solAmount(position.Quantity).Mul(remain).InexactFloat64()
		position.refreshDerived()
		position.Status = StatusActive
		position.StatusTag = TagMonitor
		closed.Partial = true
	}

	pm.logger.Info("平仓完成",
		zap.String("position_id", positionID),
		zap.String("token", position.Token),
		zap.String("action", action),
		zap.Float64("fraction", fraction),
		zap.String("realized_pnl", realized.String()),
		zap.String("balance", pm.balance.String()))

	if pm.store != nil {
		if err := pm.store.AppendClosedPosition(ctx, closed); err != nil {
			pm.logger.Warn("记录平仓历史失败", zap.Error(err))
		}
	}

	return closed, nil
}

// CheckExitConditions 检查全部持仓的强制平仓条件
// 止盈与止损阈值独立于持仓状态阈值
func (pm *PositionManager) CheckExitConditions() []ExitCheck {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	var checks []ExitCheck
	for _, p := range pm.positions {
		switch {
		case p.PnLPercent > pm.opts.TakeProfitPercent:
			checks = append(checks, ExitCheck{p.ID, p.Token, ExitTakeProfit, p.PnLPercent})
		case p.PnLPercent < pm.opts.StopLossPercent:
			checks = append(checks, ExitCheck{p.ID, p.Token, ExitStopLoss, p.PnLPercent})
		}
	}
	return checks
}

// EmergencyExitAll 紧急清仓全部持仓
// 单个持仓失败不中断流程，最终返回汇总错误
func (pm *PositionManager) EmergencyExitAll(ctx context.Context) error {
	pm.mu.RLock()
	ids := make([]string, 0, len(pm.positions))
	for id := range pm.positions {
		ids = append(ids, id)
	}
	pm.mu.RUnlock()

	pm.logger.Warn("执行紧急清仓", zap.Int("持仓数", len(ids)))

	var failed []string
	for _, id := range ids {
		if _, err := pm.Close(ctx, id, 100, ExitEmergency); err != nil {
			// 已被并发路径平掉的持仓不算失败
			if errors.Is(err, ErrPositionNotFound) {
				continue
			}
			pm.logger.Error("紧急平仓失败",
				zap.String("position_id", id),
				zap.Error(err))
			failed = append(failed, id)
		}
	}

	if len(failed) > 0 {
		return fmt.Errorf("紧急清仓未完全成功, %d/%d 笔失败: %v", len(failed), len(ids), failed)
	}
	return nil
}

// GetPosition 查询单个持仓
func (pm *PositionManager) GetPosition(positionID string) (*Position, error) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	p, ok := pm.positions[positionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, positionID)
	}
	cp := *p
	return &cp, nil
}

// GetActivePositions 全部未平仓持仓的副本
func (pm *PositionManager) GetActivePositions() []*Position {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	out := make([]*Position, 0, len(pm.positions))
	for _, p := range pm.positions {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

// HasPositionFor 是否已持有该代币
func (pm *PositionManager) HasPositionFor(token string) bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	for _, p := range pm.positions {
		if p.Token == token {
			return true
		}
	}
	return false
}

// OpenSnapshots 供风险引擎读取的持仓快照
func (pm *PositionManager) OpenSnapshots() []model.PositionSnapshot {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	out := make([]model.PositionSnapshot, 0, len(pm.positions))
	for _, p := range pm.positions {
		out = append(out, model.PositionSnapshot{
			ID:           p.ID,
			Token:        p.Token,
			Size:         p.Size,
			EntryPrice:   p.EntryPrice,
			CurrentPrice: p.CurrentPrice,
			PnLPercent:   p.PnLPercent,
			PnLAbs:       p.PnLAbs,
		})
	}
	return out
}

// Balance 当前可用余额 (SOL)
func (pm *PositionManager) Balance() float64 {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.balance.InexactFloat64()
}

// GetMetrics 持仓组合指标
// 配置了参考价源时附带USD估值
func (pm *PositionManager) GetMetrics(ctx context.Context) PortfolioMetrics {
	pm.mu.RLock()

	m := PortfolioMetrics{
		Balance:       pm.balance.InexactFloat64(),
		RealizedPnL:   pm.realizedPnL.InexactFloat64(),
		OpenPositions: len(pm.positions),
		ClosedTrades:  pm.closedCount,
		UpdatedAt:     time.Now(),
	}
	if pm.closedCount > 0 {
		m.WinRate = float64(pm.winCount) / float64(pm.closedCount) * 100
	}
	for _, p := range pm.positions {
		m.PositionValue += p.CurrentValue()
		m.UnrealizedPnL += p.PnLAbs
	}
	for _, stale := range pm.staleCounts {
		if stale >= staleCycleThreshold {
			m.PriceDegraded = true
			break
		}
	}
	refFeed := pm.referenceFeed
	pm.mu.RUnlock()

	m.Equity = m.Balance + m.PositionValue

	if refFeed != nil {
		if solPrice, err := refFeed.GetReferencePrice(ctx); err == nil {
			m.EquityUSD = m.Equity * solPrice
		} else {
			pm.logger.Debug("获取参考价失败", zap.Error(err))
		}
	}

	return m
}

func (pm *PositionManager) persistSnapshot(ctx context.Context) {
	pm.mu.RLock()
	store := pm.store
	pm.mu.RUnlock()
	if store == nil {
		return
	}

	if err := store.SavePositionSnapshot(ctx, pm.GetActivePositions()); err != nil {
		pm.logger.Warn("持久化持仓快照失败", zap.Error(err))
	}
}
