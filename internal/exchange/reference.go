package exchange

import (
	"context"
	"fmt"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"
)

// BinanceReferenceFeed 币安SOL/USDT参考价客户端
// 组合估值需要把SOL余额换算成USD，价格取自中心化交易所而非链上报价
type BinanceReferenceFeed struct {
	exchange *ccxt.Binance
	symbol   string
	logger   *zap.Logger
}

// NewBinanceReferenceFeed 创建币安参考价客户端
// 行情查询为公开接口，apiKey/apiSecret可以为空
func NewBinanceReferenceFeed(apiKey, apiSecret, symbol string, logger *zap.Logger) *BinanceReferenceFeed {
	binanceInstance := ccxt.NewBinance(map[string]interface{}{
		"apiKey":          apiKey,
		"secret":          apiSecret,
		"enableRateLimit": true,
	})

	go func() {
		<-binanceInstance.LoadMarkets()
		logger.Info("币安市场数据加载完成")
	}()

	return &BinanceReferenceFeed{
		exchange: binanceInstance,
		symbol:   symbol,
		logger:   logger.With(zap.String("component", "reference_feed")),
	}
}

// GetReferencePrice 获取SOL/USDT最新成交价
func (f *BinanceReferenceFeed) GetReferencePrice(ctx context.Context) (float64, error) {
	ticker, err := f.exchange.FetchTicker(f.symbol)
	if err != nil {
		f.logger.Warn("获取参考价失败", zap.String("symbol", f.symbol), zap.Error(err))
		return 0, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}

	lastPrice, ok := (*ticker)["last"].(float64)
	if !ok || lastPrice <= 0 {
		return 0, fmt.Errorf("%w: 参考价数据格式错误", ErrPriceUnavailable)
	}

	return lastPrice, nil
}
