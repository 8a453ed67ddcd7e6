package monitor

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/life2you_mini/memehunt/internal/analysis"
	"github.com/life2you_mini/memehunt/internal/exchange"
	"github.com/life2you_mini/memehunt/internal/model"
	"github.com/life2you_mini/memehunt/internal/signal"
)

const (
	defaultScanInterval    = 60 * time.Second
	monitorStopTimeout     = 5 * time.Second
	defaultMinLiquidityUSD = 2000.0
	defaultMinVolume5mUSD  = 500.0
	defaultMinPairAgeHours = 1.0
	defaultMinEntryScore   = 0.65
	defaultSearchQuery     = "SOL"

	// 斐波那契分析所需的最少价格样本数
	minHistoryForAnalysis = 8
	priceHistoryCapacity  = 60
)

// 入场评分权重
const (
	weightShortMomentum = 0.30 // 5分钟涨幅
	weightHourMomentum  = 0.15 // 1小时涨幅
	weightVolume        = 0.20 // 5分钟成交量
	weightBuyPressure   = 0.25 // 买卖比
	weightLiquidity     = 0.10 // 流动性
)

// MetricsSink 代币指标接收方
type MetricsSink interface {
	UpdateTokenMetrics(metrics model.TokenMetrics)
}

// MintRegistrar Mint地址登记方
type MintRegistrar interface {
	Register(token, mintAddress string)
}

// ScannerOptions 扫描器配置
type ScannerOptions struct {
	Interval        time.Duration
	MinLiquidityUSD float64
	MinVolume5mUSD  float64
	MinPairAgeHours float64
	MinEntryScore   float64
	SearchQuery     string
}

// TokenMonitor 代币监控器
// 周期扫描DexScreener上的Solana交易对，筛选并评分后产出原始交易信号
type TokenMonitor struct {
	opts      ScannerOptions
	dex       *exchange.DexScreenerClient
	queue     signal.SignalQueue
	metrics   MetricsSink
	registrar MintRegistrar
	logger    *zap.Logger

	// 价格历史用于斐波那契回撤分析, key: token
	priceHistory map[string][]float64

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
}

// NewTokenMonitor 创建代币监控器
func NewTokenMonitor(
	parentCtx context.Context,
	opts ScannerOptions,
	dex *exchange.DexScreenerClient,
	queue signal.SignalQueue,
	metrics MetricsSink,
	registrar MintRegistrar,
	logger *zap.Logger,
) *TokenMonitor {
	if opts.Interval <= 0 {
		opts.Interval = defaultScanInterval
	}
	if opts.MinLiquidityUSD <= 0 {
		opts.MinLiquidityUSD = defaultMinLiquidityUSD
	}
	if opts.MinVolume5mUSD <= 0 {
		opts.MinVolume5mUSD = defaultMinVolume5mUSD
	}
	if opts.MinPairAgeHours <= 0 {
		opts.MinPairAgeHours = defaultMinPairAgeHours
	}
	if opts.MinEntryScore <= 0 {
		opts.MinEntryScore = defaultMinEntryScore
	}
	if opts.SearchQuery == "" {
		opts.SearchQuery = defaultSearchQuery
	}

	ctx, cancel := context.WithCancel(parentCtx)
	return &TokenMonitor{
		opts:         opts,
		dex:          dex,
		queue:        queue,
		metrics:      metrics,
		registrar:    registrar,
		logger:       logger.With(zap.String("component", "token_monitor")),
		priceHistory: make(map[string][]float64),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start 启动扫描循环
func (m *TokenMonitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isRunning {
		return fmt.Errorf("代币监控器已在运行")
	}
	m.isRunning = true

	m.logger.Info("启动代币监控器",
		zap.Duration("扫描间隔", m.opts.Interval),
		zap.Float64("最低流动性", m.opts.MinLiquidityUSD),
		zap.Float64("入场评分阈值", m.opts.MinEntryScore))

	m.wg.Add(1)
	go m.scanLoop()

	return nil
}

// Stop 停止监控器
func (m *TokenMonitor) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.isRunning {
		return nil
	}

	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("代币监控器已停止")
	case <-time.After(monitorStopTimeout):
		m.logger.Warn("代币监控器停止超时")
	}

	m.isRunning = false
	return nil
}

func (m *TokenMonitor) scanLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	// 立即执行一次扫描
	if err := m.scan(m.ctx); err != nil {
		m.logger.Error("首次扫描失败", zap.Error(err))
	}

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if err := m.scan(m.ctx); err != nil {
				m.logger.Error("扫描交易对失败", zap.Error(err))
			}
		}
	}
}

// scan 扫描一轮交易对
func (m *TokenMonitor) scan(ctx context.Context) error {
	pairs, err := m.dex.SearchPairs(ctx, m.opts.SearchQuery)
	if err != nil {
		return fmt.Errorf("查询DexScreener失败: %w", err)
	}

	m.logger.Debug("扫描到Solana交易对", zap.Int("数量", len(pairs)))

	for i := range pairs {
		pair := &pairs[i]
		if !m.passesFilters(pair) {
			continue
		}
		m.processPair(ctx, pair)
	}

	return nil
}

// passesFilters 基础门槛过滤，剔除流动性/成交量不足或过新的交易对
func (m *TokenMonitor) passesFilters(pair *exchange.DexPair) bool {
	if pair.Liquidity.Usd < m.opts.MinLiquidityUSD {
		return false
	}
	if pair.Volume.M5 < m.opts.MinVolume5mUSD {
		return false
	}
	if pair.PairAge().Hours() < m.opts.MinPairAgeHours {
		return false
	}
	return true
}

// processPair 评分并产出信号
func (m *TokenMonitor) processPair(ctx context.Context, pair *exchange.DexPair) {
	token := pair.BaseToken.Symbol
	price := pair.PriceUSDFloat()
	if token == "" || price <= 0 {
		return
	}

	if m.registrar != nil {
		m.registrar.Register(token, pair.BaseToken.Address)
	}

	m.recordMetrics(pair)
	m.appendHistory(token, price)

	score := m.entryScore(pair)
	if score >= m.opts.MinEntryScore {
		m.emitDexSignal(ctx, pair, score)
	}
	if pair.Volume.M5 >= m.opts.MinVolume5mUSD*4 {
		m.emitVolumeSignal(ctx, pair)
	}
	m.emitTechnicalSignal(ctx, token, price)
}

// entryScore 入场综合评分 [0,1]
// 由短线涨幅、小时涨幅、短线成交量、买卖比与流动性加权求和
func (m *TokenMonitor) entryScore(pair *exchange.DexPair) float64 {
	shortMomentum := normalize(pair.PriceChange.M5, 0, 20)
	hourMomentum := normalize(pair.PriceChange.H1, 0, 50)
	volume := normalize(pair.Volume.M5, m.opts.MinVolume5mUSD, m.opts.MinVolume5mUSD*20)

	buys, sells := pair.Txns.M5.Buys, pair.Txns.M5.Sells
	buyPressure := 0.5
	if buys+sells > 0 {
		buyPressure = float64(buys) / float64(buys+sells)
	}

	liquidity := normalize(pair.Liquidity.Usd, m.opts.MinLiquidityUSD, m.opts.MinLiquidityUSD*50)

	return weightShortMomentum*shortMomentum +
		weightHourMomentum*hourMomentum +
		weightVolume*volume +
		weightBuyPressure*buyPressure +
		weightLiquidity*liquidity
}

func (m *TokenMonitor) recordMetrics(pair *exchange.DexPair) {
	if m.metrics == nil {
		return
	}
	m.metrics.UpdateTokenMetrics(model.TokenMetrics{
		Token:        pair.BaseToken.Symbol,
		MintAddress:  pair.BaseToken.Address,
		PriceUSD:     pair.PriceUSDFloat(),
		LiquidityUSD: pair.Liquidity.Usd,
		MarketCapUSD: pair.Fdv,
		Volatility:   math.Abs(pair.PriceChange.H1),
		AgeHours:     pair.PairAge().Hours(),
		BuySellRatio: buySellRatio(pair.Txns.M5.Buys, pair.Txns.M5.Sells),
	})
}

func (m *TokenMonitor) appendHistory(token string, price float64) {
	m.mu.Lock()
	history := append(m.priceHistory[token], price)
	if len(history) > priceHistoryCapacity {
		history = history[len(history)-priceHistoryCapacity:]
	}
	m.priceHistory[token] = history
	m.mu.Unlock()
}

// emitDexSignal 综合评分达标时产出DEX监控信号
func (m *TokenMonitor) emitDexSignal(ctx context.Context, pair *exchange.DexPair, score float64) {
	sig := signal.NewTradingSignal(pair.BaseToken.Symbol, signal.SourceDexMonitor, signal.DirectionBullish,
		score, 0.5+score/2)
	sig.MintAddress = pair.BaseToken.Address
	sig.Timeframe = "5m"
	sig.Reasoning = fmt.Sprintf("DEX综合评分 %.2f, 流动性 $%.0f, 5m涨幅 %.1f%%",
		score, pair.Liquidity.Usd, pair.PriceChange.M5)

	m.pushSignal(ctx, sig)
}

// emitVolumeSignal 成交量异常放大时产出量能信号
func (m *TokenMonitor) emitVolumeSignal(ctx context.Context, pair *exchange.DexPair) {
	direction := signal.DirectionBullish
	if pair.PriceChange.M5 < 0 {
		direction = signal.DirectionBearish
	}

	strength := normalize(pair.Volume.M5, m.opts.MinVolume5mUSD*4, m.opts.MinVolume5mUSD*40)
	sig := signal.NewTradingSignal(pair.BaseToken.Symbol, signal.SourceVolumeScanner, direction,
		strength, 0.55+0.3*strength)
	sig.MintAddress = pair.BaseToken.Address
	sig.Timeframe = "5m"
	sig.Reasoning = fmt.Sprintf("5m成交量放大至 $%.0f", pair.Volume.M5)

	m.pushSignal(ctx, sig)
}

// emitTechnicalSignal 价格历史足够时做斐波那契回撤分析
func (m *TokenMonitor) emitTechnicalSignal(ctx context.Context, token string, price float64) {
	m.mu.Lock()
	history := append([]float64(nil), m.priceHistory[token]...)
	m.mu.Unlock()

	if len(history) < minHistoryForAnalysis {
		return
	}

	retracement, err := analysis.FromPriceHistory(history)
	if err != nil {
		return
	}

	entry := retracement.EvaluateEntry(price, history[len(history)-2])
	if entry.Action == "HOLD" {
		return
	}

	direction := signal.DirectionBullish
	if entry.Action == "SELL" {
		direction = signal.DirectionBearish
	}

	sig := signal.NewTradingSignal(token, signal.SourceTechnical, direction,
		entry.Confidence, entry.Confidence)
	sig.Timeframe = "1h"
	sig.Reasoning = entry.Reasoning

	m.pushSignal(ctx, sig)
}

func (m *TokenMonitor) pushSignal(ctx context.Context, sig *signal.TradingSignal) {
	if err := m.queue.PushRawSignal(ctx, sig); err != nil {
		m.logger.Warn("推送信号失败",
			zap.String("token", sig.Token),
			zap.String("source", string(sig.Source)),
			zap.Error(err))
		return
	}

	m.logger.Debug("产出信号",
		zap.String("token", sig.Token),
		zap.String("source", string(sig.Source)),
		zap.String("direction", string(sig.Direction)),
		zap.Float64("strength", sig.Strength),
		zap.Float64("confidence", sig.Confidence))
}

// normalize 线性归一化到 [0,1]
func normalize(v, lo, hi float64) float64 {
	if hi <= lo {
		return 0
	}
	n := (v - lo) / (hi - lo)
	if n < 0 {
		return 0
	}
	if n > 1 {
		return 1
	}
	return n
}

func buySellRatio(buys, sells int) float64 {
	if sells == 0 {
		if buys == 0 {
			return 1
		}
		return float64(buys)
	}
	return float64(buys) / float64(sells)
}
