package exchange

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// SimulatedExecutor 模拟盘执行器
// 不触达链上，按价格源的当前价成交并生成模拟交易ID；未配置钱包时作为默认执行器
type SimulatedExecutor struct {
	priceFeed  PriceFeed
	feePercent float64 // 单边手续费+滑点损耗估计
	counter    atomic.Uint64
	logger     *zap.Logger
}

// NewSimulatedExecutor 创建模拟执行器
func NewSimulatedExecutor(priceFeed PriceFeed, feePercent float64, logger *zap.Logger) *SimulatedExecutor {
	if feePercent < 0 {
		feePercent = 0
	}
	return &SimulatedExecutor{
		priceFeed:  priceFeed,
		feePercent: feePercent,
		logger:     logger.With(zap.String("component", "simulated_executor")),
	}
}

// Buy 按当前价模拟买入
func (e *SimulatedExecutor) Buy(ctx context.Context, token string, amountIn float64) (*SwapResult, error) {
	price, err := e.priceFeed.GetPrice(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%w: 模拟买入无法取价: %v", ErrSwapFailed, err)
	}

	effective := amountIn * (1 - e.feePercent)
	quantity := effective / price

	result := &SwapResult{
		Success:   true,
		TxID:      e.nextTxID("buy"),
		AmountIn:  amountIn,
		AmountOut: quantity,
		Price:     price,
		Timestamp: time.Now(),
	}

	e.logger.Info("模拟买入成交",
		zap.String("token", token),
		zap.Float64("amount_in", amountIn),
		zap.Float64("quantity", quantity),
		zap.Float64("price", price))

	return result, nil
}

// Sell 按当前价模拟卖出
func (e *SimulatedExecutor) Sell(ctx context.Context, token string, quantity float64) (*SwapResult, error) {
	price, err := e.priceFeed.GetPrice(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%w: 模拟卖出无法取价: %v", ErrSwapFailed, err)
	}

	proceeds := quantity * price * (1 - e.feePercent)

	result := &SwapResult{
		Success:   true,
		TxID:      e.nextTxID("sell"),
		AmountIn:  quantity,
		AmountOut: proceeds,
		Price:     price,
		Timestamp: time.Now(),
	}

	e.logger.Info("模拟卖出成交",
		zap.String("token", token),
		zap.Float64("quantity", quantity),
		zap.Float64("proceeds", proceeds),
		zap.Float64("price", price))

	return result, nil
}

func (e *SimulatedExecutor) nextTxID(side string) string {
	return fmt.Sprintf("sim-%s-%d", side, e.counter.Add(1))
}
