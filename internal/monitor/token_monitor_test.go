package monitor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/life2you_mini/memehunt/internal/exchange"
	"github.com/life2you_mini/memehunt/internal/model"
	"github.com/life2you_mini/memehunt/internal/signal"
)

// captureQueue 收集推送的信号
type captureQueue struct {
	mu      sync.Mutex
	signals []*signal.TradingSignal
}

func (q *captureQueue) PushRawSignal(_ context.Context, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var sig signal.TradingSignal
	if err := json.Unmarshal(data, &sig); err != nil {
		return err
	}
	q.mu.Lock()
	q.signals = append(q.signals, &sig)
	q.mu.Unlock()
	return nil
}

func (q *captureQueue) PopRawSignal(_ context.Context, _ time.Duration) ([]byte, error) {
	return nil, nil
}

func (q *captureQueue) collected() []*signal.TradingSignal {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*signal.TradingSignal(nil), q.signals...)
}

// captureSink 收集代币指标
type captureSink struct {
	mu      sync.Mutex
	metrics []model.TokenMetrics
}

func (s *captureSink) UpdateTokenMetrics(m model.TokenMetrics) {
	s.mu.Lock()
	s.metrics = append(s.metrics, m)
	s.mu.Unlock()
}

func testPair(symbol string, liquidity, volume5m float64, ageHours float64) exchange.DexPair {
	return exchange.DexPair{
		ChainID:   "solana",
		BaseToken: exchange.DexToken{Symbol: symbol, Address: "mint-" + symbol},
		PriceUsd:  "0.002",
		Liquidity: exchange.DexLiquidity{Usd: liquidity},
		Volume:    exchange.DexVolume{M5: volume5m, H24: volume5m * 100},
		Txns: exchange.DexTxns{
			M5: exchange.DexBuysSells{Buys: 30, Sells: 10},
		},
		PriceChange:   exchange.DexChange{M5: 8, H1: 20},
		Fdv:           150000,
		PairCreatedAt: time.Now().Add(-time.Duration(ageHours * float64(time.Hour))).UnixMilli(),
	}
}

func newTestMonitor(t *testing.T, queue signal.SignalQueue, sink MetricsSink) *TokenMonitor {
	t.Helper()
	return NewTokenMonitor(context.Background(), ScannerOptions{
		MinLiquidityUSD: 2000,
		MinVolume5mUSD:  500,
		MinPairAgeHours: 1,
		MinEntryScore:   0.65,
	}, nil, queue, sink, exchange.NewMintRegistry(), zaptest.NewLogger(t))
}

func TestTokenMonitor_Filters(t *testing.T) {
	m := newTestMonitor(t, &captureQueue{}, nil)

	tests := []struct {
		name   string
		pair   exchange.DexPair
		passes bool
	}{
		{"达标交易对通过", testPair("OK", 5000, 1000, 5), true},
		{"流动性不足被过滤", testPair("LOWLIQ", 1500, 1000, 5), false},
		{"成交量不足被过滤", testPair("LOWVOL", 5000, 300, 5), false},
		{"上线过新被过滤", testPair("FRESH", 5000, 1000, 0.5), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.passes, m.passesFilters(&tt.pair))
		})
	}
}

func TestTokenMonitor_EntryScore(t *testing.T) {
	m := newTestMonitor(t, &captureQueue{}, nil)

	strong := testPair("HOT", 100000, 10000, 5)
	weak := testPair("COLD", 2100, 510, 5)
	weak.PriceChange = exchange.DexChange{M5: 0.1, H1: 0.2}
	weak.Txns.M5 = exchange.DexBuysSells{Buys: 5, Sells: 15}

	strongScore := m.entryScore(&strong)
	weakScore := m.entryScore(&weak)

	assert.Greater(t, strongScore, weakScore)
	assert.GreaterOrEqual(t, strongScore, 0.0)
	assert.LessOrEqual(t, strongScore, 1.0)
	assert.Less(t, weakScore, 0.65, "弱势交易对不应达到入场评分阈值")
}

func TestTokenMonitor_ProcessPairEmitsSignals(t *testing.T) {
	queue := &captureQueue{}
	sink := &captureSink{}
	m := newTestMonitor(t, queue, sink)

	pair := testPair("HOT", 100000, 10000, 5)
	m.processPair(context.Background(), &pair)

	signals := queue.collected()
	require.NotEmpty(t, signals)

	var sources []signal.SignalSource
	for _, sig := range signals {
		sources = append(sources, sig.Source)
		assert.Equal(t, "HOT", sig.Token)
		assert.GreaterOrEqual(t, sig.Strength, 0.0)
		assert.LessOrEqual(t, sig.Confidence, 1.0)
	}
	assert.Contains(t, sources, signal.SourceDexMonitor)
	assert.Contains(t, sources, signal.SourceVolumeScanner, "成交量放大应产出量能信号")

	// 代币指标回写
	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.metrics, 1)
	assert.Equal(t, "HOT", sink.metrics[0].Token)
	assert.Equal(t, 100000.0, sink.metrics[0].LiquidityUSD)
	assert.Equal(t, 150000.0, sink.metrics[0].MarketCapUSD)
}

func TestTokenMonitor_TechnicalSignalNeedsHistory(t *testing.T) {
	queue := &captureQueue{}
	m := newTestMonitor(t, queue, nil)

	// 样本不足时不产出技术分析信号
	m.emitTechnicalSignal(context.Background(), "NEW", 1.0)
	assert.Empty(t, queue.collected())

	// 构造触及深度回撤支撑的价格历史
	prices := []float64{2.0, 1.8, 1.6, 1.4, 1.2, 1.0, 1.1, 1.214}
	for _, p := range prices {
		m.appendHistory("FIB", p)
	}
	m.emitTechnicalSignal(context.Background(), "FIB", 1.214)

	signals := queue.collected()
	require.Len(t, signals, 1)
	assert.Equal(t, signal.SourceTechnical, signals[0].Source)
	assert.Equal(t, signal.DirectionBullish, signals[0].Direction)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, 0.0, normalize(5, 10, 20))
	assert.Equal(t, 1.0, normalize(25, 10, 20))
	assert.InDelta(t, 0.5, normalize(15, 10, 20), 0.001)
	assert.Equal(t, 0.0, normalize(15, 20, 10), "非法区间返回0")
}
