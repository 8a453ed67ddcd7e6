package exchange

import (
	"context"
	"errors"
	"time"
)

// 外部依赖错误
var (
	// ErrPriceUnavailable 价格源暂时不可用，调用方应保留上次价格并在下个周期重试
	ErrPriceUnavailable = errors.New("价格源不可用")
	// ErrSwapFailed 链上兑换失败，交易不自动重试以避免重复提交
	ErrSwapFailed = errors.New("兑换执行失败")
	// ErrNoSigner 未配置签名器，无法提交真实交易
	ErrNoSigner = errors.New("未配置交易签名器")
)

// PriceFeed 价格查询接口
type PriceFeed interface {
	// GetPrice 获取代币当前价格（USD计价）
	GetPrice(ctx context.Context, token string) (float64, error)
}

// SwapResult 兑换执行结果
type SwapResult struct {
	Success   bool      `json:"success"`
	TxID      string    `json:"tx_id,omitempty"`
	AmountIn  float64   `json:"amount_in"`
	AmountOut float64   `json:"amount_out"`
	Price     float64   `json:"price"`             // 实际成交价
	Message   string    `json:"message,omitempty"` // 失败原因
	Timestamp time.Time `json:"timestamp"`
}

// TradeExecutor 兑换执行接口
// Buy 以amountIn个SOL买入代币，Sell 卖出quantity个代币换回SOL
type TradeExecutor interface {
	Buy(ctx context.Context, token string, amountIn float64) (*SwapResult, error)
	Sell(ctx context.Context, token string, quantity float64) (*SwapResult, error)
}

// Wallet 钱包余额查询接口
type Wallet interface {
	// GetBalance 获取可用余额（SOL）
	GetBalance(ctx context.Context) (float64, error)
}

// ReferencePriceFeed 中心化交易所参考价接口，用于SOL的法币估值
type ReferencePriceFeed interface {
	GetReferencePrice(ctx context.Context) (float64, error)
}
