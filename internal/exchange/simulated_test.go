package exchange

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// mockFeed 本包内的价格源桩
type mockFeed struct {
	mock.Mock
}

func (m *mockFeed) GetPrice(ctx context.Context, token string) (float64, error) {
	args := m.Called(ctx, token)
	return args.Get(0).(float64), args.Error(1)
}

func TestSimulatedExecutor_Buy(t *testing.T) {
	feed := new(mockFeed)
	feed.On("GetPrice", mock.Anything, "PEPE").Return(0.002, nil)

	executor := NewSimulatedExecutor(feed, 0, zaptest.NewLogger(t))

	result, err := executor.Buy(context.Background(), "PEPE", 1.0)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, 0.002, result.Price)
	assert.InDelta(t, 500.0, result.AmountOut, 0.001, "1 SOL按0.002的价格应换得500枚")
	assert.NotEmpty(t, result.TxID)
}

func TestSimulatedExecutor_BuyAppliesFee(t *testing.T) {
	feed := new(mockFeed)
	feed.On("GetPrice", mock.Anything, "PEPE").Return(0.002, nil)

	executor := NewSimulatedExecutor(feed, 0.01, zaptest.NewLogger(t))

	result, err := executor.Buy(context.Background(), "PEPE", 1.0)
	require.NoError(t, err)
	assert.InDelta(t, 495.0, result.AmountOut, 0.001, "1%手续费应折减成交数量")
}

func TestSimulatedExecutor_Sell(t *testing.T) {
	feed := new(mockFeed)
	feed.On("GetPrice", mock.Anything, "PEPE").Return(0.004, nil)

	executor := NewSimulatedExecutor(feed, 0, zaptest.NewLogger(t))

	result, err := executor.Sell(context.Background(), "PEPE", 500.0)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, result.AmountOut, 0.001, "500枚按0.004卖出应回收2 SOL")
}

func TestSimulatedExecutor_PriceFailure(t *testing.T) {
	feed := new(mockFeed)
	feed.On("GetPrice", mock.Anything, "GONE").Return(0.0, ErrPriceUnavailable)

	executor := NewSimulatedExecutor(feed, 0, zaptest.NewLogger(t))

	_, err := executor.Buy(context.Background(), "GONE", 1.0)
	assert.ErrorIs(t, err, ErrSwapFailed)

	_, err = executor.Sell(context.Background(), "GONE", 100)
	assert.ErrorIs(t, err, ErrSwapFailed)
}

func TestSimulatedExecutor_UniqueTxIDs(t *testing.T) {
	feed := new(mockFeed)
	feed.On("GetPrice", mock.Anything, "PEPE").Return(0.002, nil)

	executor := NewSimulatedExecutor(feed, 0, zaptest.NewLogger(t))

	first, err := executor.Buy(context.Background(), "PEPE", 1.0)
	require.NoError(t, err)
	second, err := executor.Buy(context.Background(), "PEPE", 1.0)
	require.NoError(t, err)

	assert.NotEqual(t, first.TxID, second.TxID)
}

func TestMintRegistry(t *testing.T) {
	registry := NewMintRegistry()

	_, ok := registry.ResolveMint("PEPE")
	assert.False(t, ok)

	registry.Register("PEPE", "mint111")
	mint, ok := registry.ResolveMint("PEPE")
	require.True(t, ok)
	assert.Equal(t, "mint111", mint)

	// 重复登记以最新为准
	registry.Register("PEPE", "mint222")
	mint, _ = registry.ResolveMint("PEPE")
	assert.Equal(t, "mint222", mint)

	// 空参数忽略
	registry.Register("", "x")
	registry.Register("Y", "")
	_, ok = registry.ResolveMint("")
	assert.False(t, ok)
	_, ok = registry.ResolveMint("Y")
	assert.False(t, ok)
}
