package trading

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/life2you_mini/memehunt/internal/exchange"
	"github.com/life2you_mini/memehunt/internal/mocks"
)

// stubGate 测试用紧急停止门禁
type stubGate struct{ active bool }

func (g *stubGate) EmergencyActive() bool { return g.active }

func swapResult(price, amountOut float64) *exchange.SwapResult {
	return &exchange.SwapResult{
		Success:   true,
		TxID:      "tx-test",
		Price:     price,
		AmountOut: amountOut,
		Timestamp: time.Now(),
	}
}

func newTestManager(t *testing.T, balance float64, executor exchange.TradeExecutor, feed exchange.PriceFeed) *PositionManager {
	t.Helper()
	pm, err := NewPositionManager(context.Background(), ManagerOptions{
		MaxPositions:   5,
		InitialBalance: balance,
	}, feed, executor, zaptest.NewLogger(t))
	require.NoError(t, err)
	return pm
}

func TestPositionManager_OpenAndBalanceDebit(t *testing.T) {
	executor := new(mocks.MockTradeExecutor)
	executor.On("Buy", mock.Anything, "PEPE", 2.0).Return(swapResult(0.001, 2000), nil)

	pm := newTestManager(t, 25, executor, nil)

	position, err := pm.Open(context.Background(), "PEPE", "mint111", 2.0)
	require.NoError(t, err)

	assert.Equal(t, StatusActive, position.Status)
	assert.Equal(t, 2.0, position.Size)
	assert.Equal(t, 2000.0, position.Quantity)
	assert.Equal(t, 0.001, position.EntryPrice)
	assert.NotEmpty(t, position.ID)
	assert.InDelta(t, 23.0, pm.Balance(), 1e-9)

	executor.AssertExpectations(t)
}

func TestPositionManager_OpenRejectedWhenEmergencyActive(t *testing.T) {
	executor := new(mocks.MockTradeExecutor)
	pm := newTestManager(t, 25, executor, nil)
	pm.SetEmergencyGate(&stubGate{active: true})

	_, err := pm.Open(context.Background(), "PEPE", "", 1.0)
	assert.ErrorIs(t, err, ErrEmergencyActive)
	assert.InDelta(t, 25.0, pm.Balance(), 1e-9, "被拒绝的开仓不得扣减余额")
	executor.AssertNotCalled(t, "Buy", mock.Anything, mock.Anything, mock.Anything)
}

func TestPositionManager_EmergencyDuringBuyUnwindsFill(t *testing.T) {
	gate := &stubGate{}
	executor := new(mocks.MockTradeExecutor)
	// 买入在途期间触发紧急停止
	executor.On("Buy", mock.Anything, "PEPE", 1.0).Run(func(mock.Arguments) {
		gate.active = true
	}).Return(swapResult(0.01, 100), nil)
	executor.On("Sell", mock.Anything, "PEPE", 100.0).Return(swapResult(0.01, 1.0), nil)

	pm := newTestManager(t, 25, executor, nil)
	pm.SetEmergencyGate(gate)

	_, err := pm.Open(context.Background(), "PEPE", "", 1.0)
	assert.ErrorIs(t, err, ErrEmergencyActive)
	assert.InDelta(t, 25.0, pm.Balance(), 1e-9)
	assert.Empty(t, pm.GetActivePositions())
	executor.AssertExpectations(t)
}

func TestPositionManager_CapacityLimit(t *testing.T) {
	executor := new(mocks.MockTradeExecutor)
	executor.On("Buy", mock.Anything, mock.Anything, 1.0).Return(swapResult(0.01, 100), nil)

	pm := newTestManager(t, 100, executor, nil)

	for i := 0; i < 5; i++ {
		_, err := pm.Open(context.Background(), fmt.Sprintf("TOK%d", i), "", 1.0)
		require.NoError(t, err)
	}

	// 第6笔应被容量错误拒绝，既有持仓不受影响
	_, err := pm.Open(context.Background(), "TOK5", "", 1.0)
	assert.ErrorIs(t, err, ErrMaxPositions)
	assert.Len(t, pm.GetActivePositions(), 5)
	assert.InDelta(t, 95.0, pm.Balance(), 1e-9)
}

func TestPositionManager_InsufficientBalance(t *testing.T) {
	executor := new(mocks.MockTradeExecutor)
	pm := newTestManager(t, 0.5, executor, nil)

	_, err := pm.Open(context.Background(), "PEPE", "", 1.0)
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	executor.AssertNotCalled(t, "Buy", mock.Anything, mock.Anything, mock.Anything)
}

func TestPositionManager_BuyFailureRollsBackBalance(t *testing.T) {
	executor := new(mocks.MockTradeExecutor)
	executor.On("Buy", mock.Anything, "PEPE", 1.0).Return(nil, errors.New("交易失败"))

	pm := newTestManager(t, 25, executor, nil)

	_, err := pm.Open(context.Background(), "PEPE", "", 1.0)
	require.Error(t, err)
	assert.InDelta(t, 25.0, pm.Balance(), 1e-9, "买入失败必须回滚扣账")
	assert.Empty(t, pm.GetActivePositions())
}

func TestPositionManager_StopLossTransition(t *testing.T) {
	executor := new(mocks.MockTradeExecutor)
	executor.On("Buy", mock.Anything, "DOGE", 1.0).Return(swapResult(1.00, 1.0), nil)

	feed := new(mocks.MockPriceFeed)
	feed.On("GetPrice", mock.Anything, "DOGE").Return(0.45, nil)

	pm := newTestManager(t, 25, executor, feed)

	position, err := pm.Open(context.Background(), "DOGE", "", 1.0)
	require.NoError(t, err)

	pm.RefreshPrices(context.Background())

	refreshed, err := pm.GetPosition(position.ID)
	require.NoError(t, err)

	// 亏损55%: 状态转为观察(SL标签)，且触发止损平仓条件
	assert.InDelta(t, -55.0, refreshed.PnLPercent, 0.001)
	assert.Equal(t, StatusMonitoring, refreshed.Status)
	assert.Equal(t, TagSL, refreshed.StatusTag)

	checks := pm.CheckExitConditions()
	require.Len(t, checks, 1)
	assert.Equal(t, ExitStopLoss, checks[0].Action)
	assert.Equal(t, position.ID, checks[0].PositionID)
}

func TestPositionManager_StatusThresholds(t *testing.T) {
	tests := []struct {
		name       string
		pnlPercent float64
		status     string
		tag        string
	}{
		{"盈利超过100%进入二档止盈", 120, StatusTPReady, TagTP2},
		{"盈利超过50%进入一档止盈", 60, StatusTPReady, TagTP1},
		{"亏损超过50%临近止损", -55, StatusMonitoring, TagSL},
		{"小幅波动保持观察", 10, StatusMonitoring, TagMonitor},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Position{EntryPrice: 1.0, CurrentPrice: 1.0 + tt.pnlPercent/100, Size: 10}
			p.refreshDerived()
			assert.Equal(t, tt.status, p.Status)
			assert.Equal(t, tt.tag, p.StatusTag)
			assert.InDelta(t, tt.pnlPercent, p.PnLPercent, 0.001)
			assert.InDelta(t, 10*tt.pnlPercent/100, p.PnLAbs, 0.001)
		})
	}
}

func TestPositionManager_PartialClose(t *testing.T) {
	executor := new(mocks.MockTradeExecutor)
	executor.On("Buy", mock.Anything, "WIF", 10.0).Return(swapResult(0.01, 1000), nil)
	executor.On("Sell", mock.Anything, "WIF", 250.0).Return(swapResult(0.01, 2.5), nil)

	pm := newTestManager(t, 25, executor, nil)

	position, err := pm.Open(context.Background(), "WIF", "", 10.0)
	require.NoError(t, err)

	closed, err := pm.Close(context.Background(), position.ID, 25, ExitTakeProfit)
	require.NoError(t, err)

	assert.True(t, closed.Partial)

	remaining, err := pm.GetPosition(position.ID)
	require.NoError(t, err)
	assert.InDelta(t, 7.5, remaining.Size, 1e-9)
	assert.InDelta(t, 750.0, remaining.Quantity, 1e-9)
	assert.Equal(t, StatusActive, remaining.Status)

	executor.AssertExpectations(t)
}

func TestPositionManager_FullCloseRoundTrip(t *testing.T) {
	executor := new(mocks.MockTradeExecutor)
	executor.On("Buy", mock.Anything, "BONK", 3.0).Return(swapResult(0.002, 1500), nil)
	executor.On("Sell", mock.Anything, "BONK", 1500.0).Return(swapResult(0.002, 3.0), nil)

	pm := newTestManager(t, 25, executor, nil)

	position, err := pm.Open(context.Background(), "BONK", "", 3.0)
	require.NoError(t, err)
	assert.InDelta(t, 22.0, pm.Balance(), 1e-9)

	// 价格不变时全平，余额应精确恢复
	closed, err := pm.Close(context.Background(), position.ID, 100, ExitManual)
	require.NoError(t, err)

	assert.False(t, closed.Partial)
	assert.Equal(t, 25.0, pm.Balance(), "decimal账本应精确往返")
	assert.Empty(t, pm.GetActivePositions())

	_, err = pm.GetPosition(position.ID)
	assert.ErrorIs(t, err, ErrPositionNotFound)
}

func TestPositionManager_ConcurrentFullCloseCreditsOnce(t *testing.T) {
	executor := new(mocks.MockTradeExecutor)
	executor.On("Buy", mock.Anything, "DUP", 4.0).Return(swapResult(0.01, 400), nil)
	executor.On("Sell", mock.Anything, "DUP", 400.0).Return(swapResult(0.01, 4.0), nil)

	pm := newTestManager(t, 25, executor, nil)

	position, err := pm.Open(context.Background(), "DUP", "", 4.0)
	require.NoError(t, err)

	// 交易端与紧急清仓可能并发全平同一持仓，账本只允许入账一次
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = pm.Close(context.Background(), position.ID, 100, ExitManual)
		}(i)
	}
	wg.Wait()

	var succeeded int
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrPositionNotFound)
		}
	}
	assert.Equal(t, 1, succeeded, "同一持仓只能被平掉一次")
	assert.Equal(t, 25.0, pm.Balance(), "落败的并发平仓不得重复入账")
	executor.AssertNumberOfCalls(t, "Sell", 1)
}

func TestPositionManager_WinRate(t *testing.T) {
	executor := new(mocks.MockTradeExecutor)
	executor.On("Buy", mock.Anything, "WIN", 2.0).Return(swapResult(0.01, 200), nil)
	executor.On("Buy", mock.Anything, "FLAT", 1.0).Return(swapResult(0.01, 100), nil)
	// WIN 以翻倍价止盈，FLAT 原价离场
	executor.On("Sell", mock.Anything, "WIN", 200.0).Return(swapResult(0.02, 4.0), nil)
	executor.On("Sell", mock.Anything, "FLAT", 100.0).Return(swapResult(0.01, 1.0), nil)

	pm := newTestManager(t, 25, executor, nil)

	winPos, err := pm.Open(context.Background(), "WIN", "", 2.0)
	require.NoError(t, err)
	flatPos, err := pm.Open(context.Background(), "FLAT", "", 1.0)
	require.NoError(t, err)

	_, err = pm.Close(context.Background(), winPos.ID, 100, ExitTakeProfit)
	require.NoError(t, err)
	_, err = pm.Close(context.Background(), flatPos.ID, 100, ExitManual)
	require.NoError(t, err)

	metrics := pm.GetMetrics(context.Background())
	assert.Equal(t, 2, metrics.ClosedTrades)
	assert.InDelta(t, 50.0, metrics.WinRate, 1e-9)
	assert.InDelta(t, 2.0, metrics.RealizedPnL, 1e-9)
}

func TestPositionManager_CloseUnknownPosition(t *testing.T) {
	executor := new(mocks.MockTradeExecutor)
	pm := newTestManager(t, 25, executor, nil)

	_, err := pm.Close(context.Background(), "missing", 100, ExitManual)
	assert.ErrorIs(t, err, ErrPositionNotFound)

	_, err = pm.Close(context.Background(), "missing", 0, ExitManual)
	assert.ErrorIs(t, err, ErrInvalidFraction)
}

func TestPositionManager_EmergencyExitAllContinuesPastFailures(t *testing.T) {
	executor := new(mocks.MockTradeExecutor)
	executor.On("Buy", mock.Anything, mock.Anything, 1.0).Return(swapResult(0.01, 100), nil)
	executor.On("Sell", mock.Anything, "FAIL", 100.0).Return(nil, errors.New("滑点超限"))
	executor.On("Sell", mock.Anything, "OK1", 100.0).Return(swapResult(0.01, 1.0), nil)
	executor.On("Sell", mock.Anything, "OK2", 100.0).Return(swapResult(0.01, 1.0), nil)

	pm := newTestManager(t, 25, executor, nil)

	for _, token := range []string{"FAIL", "OK1", "OK2"} {
		_, err := pm.Open(context.Background(), token, "", 1.0)
		require.NoError(t, err)
	}

	err := pm.EmergencyExitAll(context.Background())
	require.Error(t, err, "存在失败时应返回汇总错误")

	// 失败的持仓保留，成功的已移除
	remaining := pm.GetActivePositions()
	require.Len(t, remaining, 1)
	assert.Equal(t, "FAIL", remaining[0].Token)
}

func TestPositionManager_MetricsAndSnapshots(t *testing.T) {
	executor := new(mocks.MockTradeExecutor)
	executor.On("Buy", mock.Anything, "PEPE", 2.0).Return(swapResult(0.001, 2000), nil)

	refFeed := new(mocks.MockReferenceFeed)
	refFeed.On("GetReferencePrice", mock.Anything).Return(150.0, nil)

	pm := newTestManager(t, 25, executor, nil)
	pm.SetReferenceFeed(refFeed)

	_, err := pm.Open(context.Background(), "PEPE", "", 2.0)
	require.NoError(t, err)

	metrics := pm.GetMetrics(context.Background())
	assert.Equal(t, 1, metrics.OpenPositions)
	assert.InDelta(t, 23.0, metrics.Balance, 1e-9)
	assert.InDelta(t, 25.0, metrics.Equity, 1e-9)
	assert.InDelta(t, 25.0*150.0, metrics.EquityUSD, 1e-6)
	assert.False(t, metrics.PriceDegraded)

	snapshots := pm.OpenSnapshots()
	require.Len(t, snapshots, 1)
	assert.Equal(t, "PEPE", snapshots[0].Token)
	assert.Equal(t, 2.0, snapshots[0].Size)
}

func TestPositionManager_PriceDegradedAfterRepeatedFailures(t *testing.T) {
	executor := new(mocks.MockTradeExecutor)
	executor.On("Buy", mock.Anything, "GONE", 1.0).Return(swapResult(0.01, 100), nil)

	feed := new(mocks.MockPriceFeed)
	feed.On("GetPrice", mock.Anything, "GONE").Return(0.0, exchange.ErrPriceUnavailable)

	pm := newTestManager(t, 25, executor, feed)

	_, err := pm.Open(context.Background(), "GONE", "", 1.0)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		pm.RefreshPrices(context.Background())
	}

	metrics := pm.GetMetrics(context.Background())
	assert.True(t, metrics.PriceDegraded, "价格源连续失败3轮后应标记降级")
}
