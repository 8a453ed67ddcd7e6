package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultConfidenceFloor = 0.30
	defaultSignalTTL       = 4 * time.Hour
	defaultMaxSignalAge    = 12 * time.Hour
	defaultDecayHalfLife   = 6 * time.Hour
	defaultPoolSize        = 20

	maintenanceInterval = 1 * time.Minute
	queuePopTimeout     = 5 * time.Second
	stopTimeout         = 5 * time.Second

	// 多来源确认告警的最低独立来源数
	multiSourceAlertMin = 3
)

// SignalQueue 原始信号队列接口
type SignalQueue interface {
	PopRawSignal(ctx context.Context, timeout time.Duration) ([]byte, error)
	PushRawSignal(ctx context.Context, payload interface{}) error
}

// SignalStore 聚合结果缓存接口
type SignalStore interface {
	SaveAggregatedSignal(ctx context.Context, token string, agg interface{}, ttl time.Duration) error
}

// Options 聚合器配置
type Options struct {
	ConfidenceFloor float64
	SignalTTL       time.Duration
	MaxSignalAge    time.Duration
	DecayHalfLife   time.Duration
	PoolSize        int
	SourceWeights   map[SignalSource]float64
}

// Aggregator 信号聚合器
// 维护每个代币最近的信号环形池，持续计算综合方向/强度/置信度与操作建议
type Aggregator struct {
	opts   Options
	queue  SignalQueue
	store  SignalStore
	logger *zap.Logger

	signals    map[string][]*TradingSignal // key: token
	aggregated map[string]*AggregatedSignal

	totalReceived int
	totalDropped  int

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.RWMutex
	runMu     sync.Mutex
	isRunning bool
}

// NewAggregator 创建信号聚合器
func NewAggregator(parentCtx context.Context, opts Options, queue SignalQueue, store SignalStore, logger *zap.Logger) *Aggregator {
	if opts.ConfidenceFloor <= 0 {
		opts.ConfidenceFloor = defaultConfidenceFloor
	}
	if opts.SignalTTL <= 0 {
		opts.SignalTTL = defaultSignalTTL
	}
	if opts.MaxSignalAge <= 0 {
		opts.MaxSignalAge = defaultMaxSignalAge
	}
	if opts.DecayHalfLife <= 0 {
		opts.DecayHalfLife = defaultDecayHalfLife
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = defaultPoolSize
	}
	if len(opts.SourceWeights) == 0 {
		opts.SourceWeights = DefaultSourceWeights()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	return &Aggregator{
		opts:       opts,
		queue:      queue,
		store:      store,
		logger:     logger.With(zap.String("component", "signal_aggregator")),
		signals:    make(map[string][]*TradingSignal),
		aggregated: make(map[string]*AggregatedSignal),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start 启动队列消费与维护循环
func (a *Aggregator) Start() error {
	a.runMu.Lock()
	defer a.runMu.Unlock()

	if a.isRunning {
		return fmt.Errorf("信号聚合器已在运行")
	}
	a.isRunning = true

	a.logger.Info("启动信号聚合器",
		zap.Float64("置信度下限", a.opts.ConfidenceFloor),
		zap.Duration("信号TTL", a.opts.SignalTTL),
		zap.Int("信号池容量", a.opts.PoolSize))

	if a.queue != nil {
		a.wg.Add(1)
		go a.consumeQueue()
	}

	a.wg.Add(1)
	go a.maintenanceLoop()

	return nil
}

// Stop 停止聚合器
func (a *Aggregator) Stop() error {
	a.runMu.Lock()
	defer a.runMu.Unlock()

	if !a.isRunning {
		return nil
	}

	a.cancel()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.logger.Info("信号聚合器已停止")
	case <-time.After(stopTimeout):
		a.logger.Warn("信号聚合器停止超时")
	}

	a.isRunning = false
	return nil
}

// consumeQueue 消费原始信号队列
func (a *Aggregator) consumeQueue() {
	defer a.wg.Done()

	a.logger.Info("开始消费原始信号队列")

	for {
		select {
		case <-a.ctx.Done():
			a.logger.Info("结束原始信号消费")
			return
		default:
		}

		payload, err := a.queue.PopRawSignal(a.ctx, queuePopTimeout)
		if err != nil {
			if err != redis.Nil && a.ctx.Err() == nil {
				a.logger.Error("从信号队列获取任务失败", zap.Error(err))
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if payload == nil {
			continue
		}

		var sig TradingSignal
		if err := json.Unmarshal(payload, &sig); err != nil {
			a.logger.Error("解析原始信号失败", zap.Error(err), zap.String("data", string(payload)))
			a.mu.Lock()
			a.totalDropped++
			a.mu.Unlock()
			continue
		}

		a.Ingest(&sig)
	}
}

// Ingest 接收一条信号并重算该代币的聚合结果
// 不合格的信号记录日志后丢弃，不向上返回错误
func (a *Aggregator) Ingest(sig *TradingSignal) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.totalReceived++

	if err := sig.Validate(a.opts.SourceWeights); err != nil {
		a.totalDropped++
		a.logger.Warn("丢弃无效信号", zap.Error(err))
		return
	}

	sig.Strength = clamp01(sig.Strength)
	sig.Confidence = clamp01(sig.Confidence)
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now()
	}

	if sig.Confidence < a.opts.ConfidenceFloor {
		a.totalDropped++
		a.logger.Debug("丢弃低置信度信号",
			zap.String("token", sig.Token),
			zap.String("source", string(sig.Source)),
			zap.Float64("confidence", sig.Confidence))
		return
	}

	pool := append(a.signals[sig.Token], sig)
	if len(pool) > a.opts.PoolSize {
		pool = pool[len(pool)-a.opts.PoolSize:]
	}
	a.signals[sig.Token] = pool

	a.recomputeLocked(sig.Token)
}

// recomputeLocked 重算单个代币的聚合信号，调用方需持有写锁
func (a *Aggregator) recomputeLocked(token string) {
	now := time.Now()
	pool := a.activeSignalsLocked(token, now)
	if len(pool) == 0 {
		delete(a.aggregated, token)
		return
	}

	agg := a.aggregate(token, pool, now)
	// 聚合置信度跌破下限时移除该代币的聚合结果
	if agg.Confidence < a.opts.ConfidenceFloor {
		delete(a.aggregated, token)
		return
	}
	agg.Recommendation = a.recommend(agg)
	a.aggregated[token] = agg

	a.checkMultiSourceConfirmation(agg, pool)

	if a.store != nil {
		if err := a.store.SaveAggregatedSignal(a.ctx, token, agg, a.opts.SignalTTL); err != nil {
			a.logger.Warn("缓存聚合信号失败", zap.String("token", token), zap.Error(err))
		}
	}
}

// activeSignalsLocked 返回未过期的信号，含时间衰减后的置信度过滤
func (a *Aggregator) activeSignalsLocked(token string, now time.Time) []*TradingSignal {
	var active []*TradingSignal
	for _, s := range a.signals[token] {
		age := s.Age(now)
		if age > a.opts.SignalTTL || age > a.opts.MaxSignalAge {
			continue
		}
		if a.decayedConfidence(s, now) < a.opts.ConfidenceFloor {
			continue
		}
		active = append(active, s)
	}
	a.signals[token] = active
	return active
}

// decayedConfidence 按半衰期对置信度做指数衰减
func (a *Aggregator) decayedConfidence(s *TradingSignal, now time.Time) float64 {
	age := s.Age(now)
	if age <= 0 {
		return s.Confidence
	}
	factor := math.Pow(0.5, age.Hours()/a.opts.DecayHalfLife.Hours())
	return s.Confidence * factor
}

// aggregate 计算代币的综合方向/强度/置信度
func (a *Aggregator) aggregate(token string, pool []*TradingSignal, now time.Time) *AggregatedSignal {
	var bullWeight, bearWeight, totalWeight float64
	sourceSet := make(map[SignalSource]struct{})

	for _, s := range pool {
		conf := a.decayedConfidence(s, now)
		w := a.opts.SourceWeights[s.Source] * conf * s.Strength
		totalWeight += w
		switch s.Direction {
		case DirectionBullish:
			bullWeight += w
		case DirectionBearish:
			bearWeight += w
		}
		sourceSet[s.Source] = struct{}{}
	}

	agg := &AggregatedSignal{
		Token:       token,
		SignalCount: len(pool),
		UpdatedAt:   now,
	}
	for src := range sourceSet {
		agg.Sources = append(agg.Sources, src)
	}
	sort.Slice(agg.Sources, func(i, j int) bool { return agg.Sources[i] < agg.Sources[j] })

	if totalWeight <= 0 {
		agg.Direction = DirectionNeutral
		return agg
	}

	netScore := clamp((bullWeight-bearWeight)/totalWeight, -1, 1)
	agg.NetScore = netScore

	switch {
	case netScore > 0.2:
		agg.Direction = DirectionBullish
	case netScore < -0.2:
		agg.Direction = DirectionBearish
	default:
		agg.Direction = DirectionNeutral
	}

	dominant := math.Max(bullWeight, bearWeight)
	agg.Strength = clamp01(0.7*math.Abs(netScore) + 0.3*dominant/totalWeight)
	agg.Confidence = a.aggregateConfidence(pool)

	return agg
}

// aggregateConfidence 由方向一致性与信号数量推导综合置信度
// 方向一致性按信号数量判定，与权重无关
func (a *Aggregator) aggregateConfidence(pool []*TradingSignal) float64 {
	var nBull, nBear int
	for _, s := range pool {
		switch s.Direction {
		case DirectionBullish:
			nBull++
		case DirectionBearish:
			nBear++
		}
	}

	directional := nBull + nBear
	if directional == 0 {
		return 0
	}

	dominantCount := nBull
	if nBear > nBull {
		dominantCount = nBear
	}
	minorityCount := directional - dominantCount
	frac := float64(dominantCount) / float64(directional)

	// 数量占优达到2:1视为方向高度一致
	var confidence float64
	if minorityCount == 0 || dominantCount >= 2*minorityCount {
		confidence = 0.7 + 0.3*frac
	} else {
		confidence = 0.5 + 0.2*frac
	}

	switch {
	case len(pool) == 1:
		confidence *= 0.8
	case len(pool) >= 3:
		confidence = math.Min(confidence*1.1, 0.95)
	}

	return clamp01(confidence)
}

// recommend 由聚合结果映射操作建议
func (a *Aggregator) recommend(agg *AggregatedSignal) Recommendation {
	if agg.Confidence < 0.6 {
		return RecMonitor
	}

	score := agg.Strength * agg.Confidence

	switch agg.Direction {
	case DirectionBullish:
		switch {
		case score >= 0.60:
			return RecStrongBuy
		case score >= 0.45:
			return RecBuy
		default:
			return RecAccumulate
		}
	case DirectionBearish:
		switch {
		case score >= 0.60:
			return RecStrongSell
		case score >= 0.45:
			return RecSell
		default:
			return RecReduce
		}
	default:
		return RecHold
	}
}

// checkMultiSourceConfirmation 多个独立来源同向时发出确认告警
func (a *Aggregator) checkMultiSourceConfirmation(agg *AggregatedSignal, pool []*TradingSignal) {
	if agg.Direction == DirectionNeutral {
		return
	}

	confirming := make(map[SignalSource]struct{})
	for _, s := range pool {
		if s.Direction == agg.Direction {
			confirming[s.Source] = struct{}{}
		}
	}

	if len(confirming) >= multiSourceAlertMin {
		a.logger.Info("多来源信号确认",
			zap.String("token", agg.Token),
			zap.String("direction", string(agg.Direction)),
			zap.Int("独立来源数", len(confirming)),
			zap.Float64("confidence", agg.Confidence))
	}
}

// GetAggregatedSignal 查询单个代币的聚合信号
func (a *Aggregator) GetAggregatedSignal(token string) (*AggregatedSignal, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	agg, ok := a.aggregated[token]
	if !ok {
		return nil, false
	}
	cp := *agg
	return &cp, true
}

// GetRecommendations 返回置信度不低于阈值的聚合信号，按置信度降序
func (a *Aggregator) GetRecommendations(minConfidence float64) []*AggregatedSignal {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []*AggregatedSignal
	for _, agg := range a.aggregated {
		if agg.Confidence >= minConfidence {
			cp := *agg
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out
}

// GetMetrics 聚合器运行指标
func (a *Aggregator) GetMetrics() Metrics {
	a.mu.RLock()
	defer a.mu.RUnlock()

	m := Metrics{
		TotalReceived: a.totalReceived,
		TotalDropped:  a.totalDropped,
		TrackedTokens: len(a.aggregated),
	}

	var confSum float64
	var lastUpdate time.Time
	for _, pool := range a.signals {
		m.ActiveSignals += len(pool)
	}
	for _, agg := range a.aggregated {
		confSum += agg.Confidence
		if agg.UpdatedAt.After(lastUpdate) {
			lastUpdate = agg.UpdatedAt
		}
	}
	if len(a.aggregated) > 0 {
		m.AvgConfidence = confSum / float64(len(a.aggregated))
	}
	m.LastUpdate = lastUpdate

	return m
}

// maintenanceLoop 周期清理过期信号并刷新聚合结果
func (a *Aggregator) maintenanceLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.sweep()
		}
	}
}

// sweep 全量重算，剔除过期与衰减到下限以下的信号
func (a *Aggregator) sweep() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for token := range a.signals {
		a.recomputeLocked(token)
	}
	for token, pool := range a.signals {
		if len(pool) == 0 {
			delete(a.signals, token)
		}
	}
}
