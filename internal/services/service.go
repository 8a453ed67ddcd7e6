package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/life2you_mini/memehunt/internal/config"
	"github.com/life2you_mini/memehunt/internal/exchange"
	"github.com/life2you_mini/memehunt/internal/monitor"
	"github.com/life2you_mini/memehunt/internal/risk"
	"github.com/life2you_mini/memehunt/internal/signal"
	"github.com/life2you_mini/memehunt/internal/storage"
	"github.com/life2you_mini/memehunt/internal/trading"
)

// HuntService Meme币交易服务
// 负责装配全部组件并按依赖顺序启停
type HuntService struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	storage      *storage.Client
	aggregator   *signal.Aggregator
	positions    *trading.PositionManager
	riskEngine   *risk.Engine
	tokenMonitor *monitor.TokenMonitor
	trader       *trading.Trader
}

// NewHuntService 创建交易服务
func NewHuntService(
	parentCtx context.Context,
	cfg *config.Config,
	logger *zap.Logger,
) (*HuntService, error) {
	ctx, cancel := context.WithCancel(parentCtx)

	// 初始化Redis存储
	store, err := storage.NewClient(storage.Options{
		Host:      cfg.Redis.Host,
		Port:      cfg.Redis.Port,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		KeyPrefix: cfg.Redis.KeyPrefix,
	}, logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("初始化Redis存储失败: %w", err)
	}

	// 行情与交易客户端
	registry := exchange.NewMintRegistry()
	jupiter := exchange.NewJupiterClient(cfg.Solana.JupiterAPIURL, cfg.Solana.SlippageBps, registry, nil, logger)
	dexScreener := exchange.NewDexScreenerClient(cfg.Solana.DexScreenerAPI, logger)

	// 未配置钱包私钥时使用模拟执行器
	var executor exchange.TradeExecutor
	if cfg.Solana.WalletPrivateKey != "" {
		executor = jupiter
		logger.Info("使用Jupiter真实交易执行器")
	} else {
		executor = exchange.NewSimulatedExecutor(jupiter, 0, logger)
		logger.Info("未配置钱包私钥，使用模拟交易执行器")
	}

	// 信号聚合器
	aggregator := signal.NewAggregator(ctx, signal.Options{
		ConfidenceFloor: cfg.Signal.ConfidenceFloor,
		SignalTTL:       time.Duration(cfg.Signal.TTLHours * float64(time.Hour)),
		MaxSignalAge:    time.Duration(cfg.Signal.MaxAgeHours * float64(time.Hour)),
		DecayHalfLife:   time.Duration(cfg.Signal.DecayHalfLifeHours * float64(time.Hour)),
		PoolSize:        cfg.Signal.PoolSize,
		SourceWeights:   sourceWeightsFromConfig(cfg.Signal.SourceWeights),
	}, store, store, logger)

	// 持仓管理器
	positions, err := trading.NewPositionManager(ctx, trading.ManagerOptions{
		MaxPositions:      cfg.Trading.MaxPositions,
		InitialBalance:    cfg.Trading.PaperBalance,
		TakeProfitPercent: cfg.Trading.TakeProfitPercent,
		StopLossPercent:   cfg.Trading.StopLossPercent,
		RefreshInterval:   time.Duration(cfg.System.PriceRefreshSeconds) * time.Second,
	}, jupiter, executor, logger)
	if err != nil {
		cancel()
		store.Close()
		return nil, fmt.Errorf("初始化持仓管理器失败: %w", err)
	}
	positions.SetStore(NewPositionStoreAdapter(store))

	// 启用CEX参考价时注入USD估值源
	if cfg.Reference.Enabled {
		refFeed := exchange.NewBinanceReferenceFeed(cfg.Reference.APIKey, cfg.Reference.APISecret, cfg.Reference.Symbol, logger)
		positions.SetReferenceFeed(refFeed)
	}

	// 风险引擎
	riskEngine := risk.NewEngine(ctx, risk.Thresholds{
		CriticalRiskScore: cfg.Risk.CriticalRiskScore,
		CriticalExposure:  cfg.Risk.CriticalExposure,
		DrawdownThreshold: cfg.Risk.DrawdownThreshold,
		ExtremeVolatility: cfg.Risk.ExtremeVolatility,
		MaxTokenRiskScore: cfg.Risk.MaxTokenRiskScore,
	}, risk.SizingConfig{
		MinTradeSize:    cfg.Trading.MinTradeSize,
		MaxPositionSize: cfg.Trading.MaxPositionSize,
	}, time.Duration(cfg.System.RiskIntervalSeconds)*time.Second, positions, store, logger)

	riskEngine.SetLiquidator(positions)
	positions.SetEmergencyGate(riskEngine)

	// 代币监控器
	tokenMonitor := monitor.NewTokenMonitor(ctx, monitor.ScannerOptions{
		Interval:        time.Duration(cfg.Scanner.IntervalSeconds) * time.Second,
		MinLiquidityUSD: cfg.Scanner.MinLiquidityUSD,
		MinVolume5mUSD:  cfg.Scanner.MinVolume5mUSD,
		MinPairAgeHours: cfg.Scanner.MinPairAgeHours,
		MinEntryScore:   cfg.Scanner.MinEntryScore,
		SearchQuery:     cfg.Scanner.SearchQuery,
	}, dexScreener, store, riskEngine, registry, logger)

	// 交易执行器
	trader := trading.NewTrader(ctx, trading.TraderOptions{
		AutoTrade:         cfg.Trading.AutoTrade,
		MinBuyConfidence:  cfg.Trading.MinBuyConfidence,
		PartialTPFraction: cfg.Trading.PartialTPFraction,
		Interval:          time.Duration(cfg.System.TradeIntervalSeconds) * time.Second,
	}, positions, riskEngine, aggregator, logger)

	return &HuntService{
		ctx:          ctx,
		cancel:       cancel,
		logger:       logger,
		storage:      store,
		aggregator:   aggregator,
		positions:    positions,
		riskEngine:   riskEngine,
		tokenMonitor: tokenMonitor,
		trader:       trader,
	}, nil
}

// Start 按依赖顺序启动全部组件
func (s *HuntService) Start() error {
	s.logger.Info("启动Meme币交易服务")

	if err := s.aggregator.Start(); err != nil {
		return fmt.Errorf("启动信号聚合器失败: %w", err)
	}
	if err := s.positions.Start(); err != nil {
		return fmt.Errorf("启动持仓管理器失败: %w", err)
	}
	if err := s.riskEngine.Start(); err != nil {
		return fmt.Errorf("启动风险引擎失败: %w", err)
	}
	if err := s.tokenMonitor.Start(); err != nil {
		return fmt.Errorf("启动代币监控器失败: %w", err)
	}
	if err := s.trader.Start(); err != nil {
		return fmt.Errorf("启动交易执行器失败: %w", err)
	}

	s.logger.Info("全部组件已启动")
	return nil
}

// Stop 逆序停止全部组件
func (s *HuntService) Stop(ctx context.Context) error {
	s.logger.Info("停止Meme币交易服务")

	if err := s.trader.Stop(); err != nil {
		s.logger.Error("停止交易执行器失败", zap.Error(err))
	}
	if err := s.tokenMonitor.Stop(); err != nil {
		s.logger.Error("停止代币监控器失败", zap.Error(err))
	}
	if err := s.riskEngine.Stop(); err != nil {
		s.logger.Error("停止风险引擎失败", zap.Error(err))
	}
	if err := s.positions.Stop(); err != nil {
		s.logger.Error("停止持仓管理器失败", zap.Error(err))
	}
	if err := s.aggregator.Stop(); err != nil {
		s.logger.Error("停止信号聚合器失败", zap.Error(err))
	}

	s.cancel()

	if err := s.storage.Close(); err != nil {
		s.logger.Error("关闭Redis连接失败", zap.Error(err))
	}

	s.logger.Info("服务已停止")
	return nil
}

// TriggerEmergencyStop 人工触发紧急停止
func (s *HuntService) TriggerEmergencyStop(reason string) bool {
	return s.riskEngine.TriggerEmergencyStop(reason)
}

// ResetEmergencyStop 人工解除紧急停止
func (s *HuntService) ResetEmergencyStop(operatorID string) bool {
	return s.riskEngine.ResetEmergencyStop(operatorID)
}

// sourceWeightsFromConfig 配置中的来源权重覆盖默认值
func sourceWeightsFromConfig(overrides map[string]float64) map[signal.SignalSource]float64 {
	weights := signal.DefaultSourceWeights()
	for name, w := range overrides {
		if w > 0 && w <= 1 {
			weights[signal.SignalSource(name)] = w
		}
	}
	return weights
}
