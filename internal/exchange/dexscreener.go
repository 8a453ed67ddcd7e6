package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const dexScreenerTimeout = 10 * time.Second

// DexScreenerClient DexScreener行情客户端，供代币扫描器使用
type DexScreenerClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewDexScreenerClient 创建DexScreener客户端
func NewDexScreenerClient(baseURL string, logger *zap.Logger) *DexScreenerClient {
	return &DexScreenerClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: dexScreenerTimeout,
		},
		logger: logger.With(zap.String("component", "dexscreener_client")),
	}
}

// DexPair DexScreener交易对数据
type DexPair struct {
	ChainID     string       `json:"chainId"`
	DexID       string       `json:"dexId"`
	PairAddress string       `json:"pairAddress"`
	BaseToken   DexToken     `json:"baseToken"`
	QuoteToken  DexToken     `json:"quoteToken"`
	PriceUsd    string       `json:"priceUsd"`
	Txns        DexTxns      `json:"txns"`
	Volume      DexVolume    `json:"volume"`
	PriceChange DexChange    `json:"priceChange"`
	Liquidity   DexLiquidity `json:"liquidity"`
	Fdv         float64      `json:"fdv"`
	// 毫秒时间戳
	PairCreatedAt int64 `json:"pairCreatedAt"`
}

// DexToken 代币标识
type DexToken struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	Symbol  string `json:"symbol"`
}

// DexBuysSells 买卖笔数
type DexBuysSells struct {
	Buys  int `json:"buys"`
	Sells int `json:"sells"`
}

// DexTxns 各时间窗口的成交笔数
type DexTxns struct {
	M5  DexBuysSells `json:"m5"`
	H1  DexBuysSells `json:"h1"`
	H24 DexBuysSells `json:"h24"`
}

// DexVolume 各时间窗口的成交额（USD）
type DexVolume struct {
	M5  float64 `json:"m5"`
	H1  float64 `json:"h1"`
	H24 float64 `json:"h24"`
}

// DexChange 各时间窗口的价格变动（%）
type DexChange struct {
	M5  float64 `json:"m5"`
	H1  float64 `json:"h1"`
	H24 float64 `json:"h24"`
}

// DexLiquidity 流动性
type DexLiquidity struct {
	Usd float64 `json:"usd"`
}

type searchResponse struct {
	SchemaVersion string    `json:"schemaVersion"`
	Pairs         []DexPair `json:"pairs"`
}

// SearchPairs 按关键词搜索交易对，只返回Solana链上的结果
func (c *DexScreenerClient) SearchPairs(ctx context.Context, query string) ([]DexPair, error) {
	reqCtx, cancel := context.WithTimeout(ctx, dexScreenerTimeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/search?q=%s", c.baseURL, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("请求DexScreener失败", zap.String("query", query), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: DexScreener返回 HTTP %d", ErrPriceUnavailable, resp.StatusCode)
	}

	var parsed searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: 解析响应失败: %v", ErrPriceUnavailable, err)
	}

	solanaPairs := make([]DexPair, 0, len(parsed.Pairs))
	for _, pair := range parsed.Pairs {
		if pair.ChainID == "solana" {
			solanaPairs = append(solanaPairs, pair)
		}
	}

	return solanaPairs, nil
}

// PairAge 交易对上线时长
func (p *DexPair) PairAge() time.Duration {
	if p.PairCreatedAt <= 0 {
		return 0
	}
	return time.Since(time.UnixMilli(p.PairCreatedAt))
}

// PriceUSDFloat 解析美元价格字符串，解析失败返回0
func (p *DexPair) PriceUSDFloat() float64 {
	v, err := strconv.ParseFloat(p.PriceUsd, 64)
	if err != nil {
		return 0
	}
	return v
}
