package model

import "time"

// TokenMetrics 代币的链上市场指标，由扫描器采集、供风险引擎评分
// 任一字段缺失时为零值，风险引擎需按中性值降级处理
type TokenMetrics struct {
	Token        string    `json:"token"`                  // 规范化代币符号
	MintAddress  string    `json:"mint_address,omitempty"` // 链上mint地址
	PriceUSD     float64   `json:"price_usd"`
	LiquidityUSD float64   `json:"liquidity_usd"`
	MarketCapUSD float64   `json:"market_cap_usd"`
	Holders      int       `json:"holders"`
	Volatility   float64   `json:"volatility"` // 波动率估计（24h价格变动幅度的绝对值）
	AgeHours     float64   `json:"age_hours"`  // 交易对上线时长
	BuySellRatio float64   `json:"buy_sell_ratio"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// PositionSnapshot 持仓快照，风险引擎只读，不回写
type PositionSnapshot struct {
	ID           string  `json:"id"`
	Token        string  `json:"token"`
	Size         float64 `json:"size"` // 占用资金 (SOL)
	EntryPrice   float64 `json:"entry_price"`
	CurrentPrice float64 `json:"current_price"`
	PnLPercent   float64 `json:"pnl_percent"`
	PnLAbs       float64 `json:"pnl_abs"`
}
