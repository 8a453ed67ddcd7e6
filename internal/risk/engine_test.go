package risk

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/life2you_mini/memehunt/internal/mocks"
	"github.com/life2you_mini/memehunt/internal/model"
)

// fakePositionSource 测试用持仓来源
type fakePositionSource struct {
	snapshots []model.PositionSnapshot
	balance   float64
}

func (f *fakePositionSource) OpenSnapshots() []model.PositionSnapshot { return f.snapshots }

func (f *fakePositionSource) Balance() float64 { return f.balance }

// fakeLiquidator 测试用清仓执行方
type fakeLiquidator struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeLiquidator) EmergencyExitAll(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func (f *fakeLiquidator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestEngine(t *testing.T, source PositionSource) *Engine {
	t.Helper()
	return NewEngine(context.Background(), DefaultThresholds(), SizingConfig{
		MinTradeSize:    0.1,
		MaxPositionSize: 5.0,
	}, 0, source, nil, zaptest.NewLogger(t))
}

func TestEngine_CheckEmergencyExit(t *testing.T) {
	tests := []struct {
		name       string
		state      PortfolioRiskState
		shouldExit bool
		severity   string
		contains   string
	}{
		{
			name:       "风险分75超过临界值70触发CRITICAL",
			state:      PortfolioRiskState{RiskScore: 75},
			shouldExit: true,
			severity:   "CRITICAL",
			contains:   "75.0",
		},
		{
			name:       "敞口85%触发HIGH",
			state:      PortfolioRiskState{RiskScore: 50, ExposureRatio: 85},
			shouldExit: true,
			severity:   "HIGH",
			contains:   "85.0",
		},
		{
			name:       "回撤-25%触发HIGH",
			state:      PortfolioRiskState{RiskScore: 50, ExposureRatio: 40, Drawdown: -25},
			shouldExit: true,
			severity:   "HIGH",
			contains:   "-25.0",
		},
		{
			name:       "平均波动率160触发MEDIUM",
			state:      PortfolioRiskState{RiskScore: 50, ExposureRatio: 40, AvgVolatility: 160},
			shouldExit: true,
			severity:   "MEDIUM",
			contains:   "160.0",
		},
		{
			name:       "全部指标正常不触发",
			state:      PortfolioRiskState{RiskScore: 50, ExposureRatio: 40, Drawdown: -5, AvgVolatility: 60},
			shouldExit: false,
		},
		{
			name:       "风险分优先于其后的检查",
			state:      PortfolioRiskState{RiskScore: 90, ExposureRatio: 95, Drawdown: -50},
			shouldExit: true,
			severity:   "CRITICAL",
			contains:   "90.0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newTestEngine(t, &fakePositionSource{})
			engine.mu.Lock()
			engine.state = tt.state
			engine.mu.Unlock()

			check := engine.CheckEmergencyExit()
			assert.Equal(t, tt.shouldExit, check.ShouldExit)
			if tt.shouldExit {
				assert.Equal(t, tt.severity, check.Severity)
				assert.Contains(t, check.Reason, tt.contains, "触发原因应包含具体数值")
			}
		})
	}
}

func TestEngine_TriggerEmergencyStopIdempotent(t *testing.T) {
	engine := newTestEngine(t, &fakePositionSource{})
	liquidator := &fakeLiquidator{}
	engine.SetLiquidator(liquidator)

	// 首次触发生效并执行清仓
	assert.True(t, engine.TriggerEmergencyStop("风险分超限"))
	assert.True(t, engine.EmergencyActive())
	assert.Equal(t, 1, liquidator.callCount())

	// 重复触发只追加原因，不重复清仓
	assert.False(t, engine.TriggerEmergencyStop("敞口超限"))
	assert.True(t, engine.EmergencyActive())
	assert.Equal(t, 1, liquidator.callCount())

	reasons := engine.EmergencyReasons()
	require.Len(t, reasons, 2)
	assert.Equal(t, "风险分超限", reasons[0])
	assert.Equal(t, "敞口超限", reasons[1])
}

func TestEngine_TriggerEmergencyStopLiquidationFailure(t *testing.T) {
	engine := newTestEngine(t, &fakePositionSource{})
	engine.SetLiquidator(&fakeLiquidator{err: errors.New("卖出失败")})

	// 清仓失败不影响停止闩锁
	assert.True(t, engine.TriggerEmergencyStop("测试"))
	assert.True(t, engine.EmergencyActive())
}

func TestEngine_ResetEmergencyStop(t *testing.T) {
	engine := newTestEngine(t, &fakePositionSource{})
	engine.SetLiquidator(&fakeLiquidator{})

	// 未处于停止状态时解除无效
	assert.False(t, engine.ResetEmergencyStop("ops-1"))

	engine.TriggerEmergencyStop("测试触发")
	require.True(t, engine.EmergencyActive())

	assert.True(t, engine.ResetEmergencyStop("ops-1"))
	assert.False(t, engine.EmergencyActive())
	assert.Empty(t, engine.EmergencyReasons())

	// 再次解除仍返回false
	assert.False(t, engine.ResetEmergencyStop("ops-1"))
}

func TestEngine_PositionSizeFor(t *testing.T) {
	engine := newTestEngine(t, &fakePositionSource{})

	// 无波动率数据时除数取下限2，结果被基准上限截断
	size := engine.PositionSizeFor("CALM", 25)
	assert.InDelta(t, 5.0, size, 0.001)

	// 高波动率代币分母放大
	engine.UpdateTokenMetrics(model.TokenMetrics{Token: "WILD", Volatility: 100})
	size = engine.PositionSizeFor("WILD", 25)
	assert.InDelta(t, 2.5, size, 0.001)

	// 组合风险抬高时上限收缩
	engine.mu.Lock()
	engine.state.RiskScore = 50
	engine.mu.Unlock()
	size = engine.PositionSizeFor("CALM", 25)
	assert.InDelta(t, 2.5, size, 0.001)

	// 任何情况下不低于最小下单量
	engine.mu.Lock()
	engine.state.RiskScore = 99
	engine.mu.Unlock()
	size = engine.PositionSizeFor("CALM", 0.01)
	assert.InDelta(t, 0.1, size, 0.001)
}

func TestEngine_EvaluateComputesExposure(t *testing.T) {
	source := &fakePositionSource{
		balance: 10,
		snapshots: []model.PositionSnapshot{
			{ID: "1", Token: "AAA", Size: 5, EntryPrice: 1, CurrentPrice: 1, PnLPercent: 0},
			{ID: "2", Token: "BBB", Size: 5, EntryPrice: 1, CurrentPrice: 1, PnLPercent: 0},
		},
	}
	engine := newTestEngine(t, source)

	engine.evaluate()

	state := engine.GetPortfolioRisk()
	assert.Equal(t, 2, state.PositionCount)
	assert.InDelta(t, 50.0, state.ExposureRatio, 0.001, "持仓10余额10敞口应为50%")
	assert.NotEmpty(t, state.RiskLevel)
}

func TestEngine_EvaluateTokenRiskUsesRecordedMetrics(t *testing.T) {
	engine := newTestEngine(t, &fakePositionSource{})

	engine.UpdateTokenMetrics(model.TokenMetrics{
		Token: "REC", LiquidityUSD: 3000, MarketCapUSD: 2000000,
		Holders: 5000, Volatility: 30, AgeHours: 720,
	})

	// 只给代币名时应使用已记录的指标
	score := engine.EvaluateTokenRisk(model.TokenMetrics{Token: "REC"})
	assert.InDelta(t, 0.60, score, 0.001)

	// 未知代币按基础风险评估
	score = engine.EvaluateTokenRisk(model.TokenMetrics{Token: "NONE"})
	assert.InDelta(t, 0.30, score, 0.001)

}

func TestEngine_PersistsEmergencyState(t *testing.T) {
	store := new(mocks.MockEmergencyStateStore)
	store.On("SaveEmergencyState", mock.Anything, true, []string{"组合风险超限"}).Return(nil)

	engine := NewEngine(context.Background(), DefaultThresholds(), SizingConfig{
		MinTradeSize:    0.1,
		MaxPositionSize: 5.0,
	}, 0, &fakePositionSource{balance: 10}, store, zaptest.NewLogger(t))

	assert.True(t, engine.TriggerEmergencyStop("组合风险超限"))
	store.AssertExpectations(t)

	// 人工解除时应持久化解除后的状态
	store.On("SaveEmergencyState", mock.Anything, false, []string(nil)).Return(nil)
	assert.True(t, engine.ResetEmergencyStop("op-1"))
	store.AssertExpectations(t)
}

func TestEngine_RestoresPersistedEmergencyState(t *testing.T) {
	store := new(mocks.MockEmergencyStateStore)
	store.On("LoadEmergencyState", mock.Anything).Return(true, []string{"上次运行触发的紧急停止"}, nil)

	engine := NewEngine(context.Background(), DefaultThresholds(), SizingConfig{
		MinTradeSize:    0.1,
		MaxPositionSize: 5.0,
	}, 0, &fakePositionSource{balance: 10}, store, zaptest.NewLogger(t))

	engine.restoreEmergencyState()

	assert.True(t, engine.EmergencyActive())
	assert.Equal(t, []string{"上次运行触发的紧急停止"}, engine.EmergencyReasons())
}
