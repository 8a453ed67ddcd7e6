package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/life2you_mini/memehunt/internal/exchange"
)

// MockPriceFeed 价格源接口的模拟实现
type MockPriceFeed struct {
	mock.Mock
}

// GetPrice 获取价格的模拟实现
func (m *MockPriceFeed) GetPrice(ctx context.Context, token string) (float64, error) {
	args := m.Called(ctx, token)
	return args.Get(0).(float64), args.Error(1)
}

// MockTradeExecutor 交易执行接口的模拟实现
type MockTradeExecutor struct {
	mock.Mock
}

// Buy 买入的模拟实现
func (m *MockTradeExecutor) Buy(ctx context.Context, token string, amountIn float64) (*exchange.SwapResult, error) {
	args := m.Called(ctx, token, amountIn)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*exchange.SwapResult), args.Error(1)
}

// Sell 卖出的模拟实现
func (m *MockTradeExecutor) Sell(ctx context.Context, token string, quantity float64) (*exchange.SwapResult, error) {
	args := m.Called(ctx, token, quantity)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*exchange.SwapResult), args.Error(1)
}

// MockReferenceFeed 参考价接口的模拟实现
type MockReferenceFeed struct {
	mock.Mock
}

// GetReferencePrice 获取参考价的模拟实现
func (m *MockReferenceFeed) GetReferencePrice(ctx context.Context) (float64, error) {
	args := m.Called(ctx)
	return args.Get(0).(float64), args.Error(1)
}
