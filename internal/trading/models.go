package trading

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// 持仓状态
const (
	StatusActive     = "ACTIVE"     // 正常持有
	StatusMonitoring = "MONITORING" // 接近止损或普通观察
	StatusTPReady    = "TP_READY"   // 达到止盈档位
	StatusClosed     = "CLOSED"     // 已平仓
)

// 状态标签
const (
	TagMonitor = "MON" // 普通观察
	TagTP1     = "TP1" // 盈利超过50%
	TagTP2     = "TP2" // 盈利超过100%
	TagSL      = "SL"  // 亏损超过50%，接近止损
)

// 平仓动作
const (
	ExitTakeProfit = "TAKE_PROFIT"
	ExitStopLoss   = "STOP_LOSS"
	ExitManual     = "MANUAL"
	ExitEmergency  = "EMERGENCY"
)

var (
	ErrMaxPositions        = errors.New("已达到最大持仓数量")
	ErrInsufficientBalance = errors.New("可用余额不足")
	ErrPositionNotFound    = errors.New("持仓不存在")
	ErrEmergencyActive     = errors.New("紧急停止状态下禁止开仓")
	ErrInvalidFraction     = errors.New("平仓比例必须在(0,100]区间")
)

// Position 持仓记录
type Position struct {
	ID           string    `json:"id"`
	Token        string    `json:"token"`
	MintAddress  string    `json:"mint_address,omitempty"`
	EntryPrice   float64   `json:"entry_price"`
	CurrentPrice float64   `json:"current_price"`
	Size         float64   `json:"size"`     // 投入规模 (SOL)
	Quantity     float64   `json:"quantity"` // 持有代币数量
	PnLPercent   float64   `json:"pnl_percent"`
	PnLAbs       float64   `json:"pnl_abs"` // SOL
	Status       string    `json:"status"`
	StatusTag    string    `json:"status_tag"`
	EntryTxID    string    `json:"entry_tx_id,omitempty"`
	OpenedAt     time.Time `json:"opened_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ClosedPosition 平仓历史记录
type ClosedPosition struct {
	Position
	ExitAction string    `json:"exit_action"`
	ExitPrice  float64   `json:"exit_price"`
	ExitTxID   string    `json:"exit_tx_id,omitempty"`
	Proceeds   float64   `json:"proceeds"` // 回收的SOL
	ClosedAt   time.Time `json:"closed_at"`
	Partial    bool      `json:"partial"`
	Fraction   float64   `json:"fraction"` // 本次平仓比例 (0-100]
}

// ExitCheck 平仓条件检查结果
type ExitCheck struct {
	PositionID string
	Token      string
	Action     string // TAKE_PROFIT / STOP_LOSS
	PnLPercent float64
}

// PortfolioMetrics 持仓组合指标
type PortfolioMetrics struct {
	Balance       float64   `json:"balance"`        // 可用余额 (SOL)
	PositionValue float64   `json:"position_value"` // 持仓现值合计 (SOL)
	Equity        float64   `json:"equity"`         // 总权益 (SOL)
	EquityUSD     float64   `json:"equity_usd"`     // 参考价换算
	UnrealizedPnL float64   `json:"unrealized_pnl"` // SOL
	RealizedPnL   float64   `json:"realized_pnl"`   // SOL
	OpenPositions int       `json:"open_positions"`
	ClosedTrades  int       `json:"closed_trades"`
	WinRate       float64   `json:"win_rate"`       // 盈利平仓次数占比 (%)
	PriceDegraded bool      `json:"price_degraded"` // 价格源连续失败时为真
	UpdatedAt     time.Time `json:"updated_at"`
}

// refreshDerived 以当前价重算盈亏与状态
func (p *Position) refreshDerived() {
	if p.EntryPrice > 0 && p.CurrentPrice > 0 {
		p.PnLPercent = (p.CurrentPrice - p.EntryPrice) / p.EntryPrice * 100
		p.PnLAbs = p.Size * p.PnLPercent / 100
	}

	switch {
	case p.PnLPercent > 100:
		p.Status = StatusTPReady
		p.StatusTag = TagTP2
	case p.PnLPercent > 50:
		p.Status = StatusTPReady
		p.StatusTag = TagTP1
	case p.PnLPercent < -50:
		p.Status = StatusMonitoring
		p.StatusTag = TagSL
	default:
		p.Status = StatusMonitoring
		p.StatusTag = TagMonitor
	}
	p.UpdatedAt = time.Now()
}

// CurrentValue 持仓现值 (SOL)
func (p *Position) CurrentValue() float64 {
	return p.Size + p.PnLAbs
}

// solAmount 余额账本使用decimal精确计算
func solAmount(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v)
}
