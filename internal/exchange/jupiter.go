package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const (
	// SOL的wrapped mint地址，Jupiter报价以此为输入端
	solMint = "So11111111111111111111111111111111111111112"

	lamportsPerSOL = 1e9

	priceRequestTimeout = 5 * time.Second
	swapRequestTimeout  = 30 * time.Second
)

// JupiterClient Jupiter聚合器客户端
// 提供价格查询、兑换报价以及真实交易构建；真实提交需要注入TransactionSigner
type JupiterClient struct {
	baseURL     string
	slippageBps int
	httpClient  *http.Client
	signer      TransactionSigner
	logger      *zap.Logger

	// mint地址解析，token符号 -> mint地址，由扫描器发现时登记
	mintResolver MintResolver
}

// MintResolver 代币符号到mint地址的解析接口
type MintResolver interface {
	ResolveMint(token string) (string, bool)
}

// TransactionSigner 交易签名与提交接口（外部协作者，核心不关心签名细节）
type TransactionSigner interface {
	// SignAndSubmit 对base64编码的未签名交易进行签名并提交，返回交易签名
	SignAndSubmit(ctx context.Context, swapTransaction string) (string, error)
	PublicKey() string
}

// NewJupiterClient 创建Jupiter客户端
func NewJupiterClient(baseURL string, slippageBps int, resolver MintResolver, signer TransactionSigner, logger *zap.Logger) *JupiterClient {
	if slippageBps <= 0 {
		slippageBps = 50
	}
	return &JupiterClient{
		baseURL:     baseURL,
		slippageBps: slippageBps,
		httpClient: &http.Client{
			Timeout: swapRequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		signer:       signer,
		logger:       logger.With(zap.String("component", "jupiter_client")),
		mintResolver: resolver,
	}
}

type priceResponse struct {
	Data map[string]struct {
		Price string `json:"price"`
	} `json:"data"`
}

// GetPrice 获取代币当前价格（USD）
func (c *JupiterClient) GetPrice(ctx context.Context, token string) (float64, error) {
	mint, ok := c.mintResolver.ResolveMint(token)
	if !ok {
		return 0, fmt.Errorf("%w: 未知代币 %s", ErrPriceUnavailable, token)
	}

	reqCtx, cancel := context.WithTimeout(ctx, priceRequestTimeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/price?ids=%s", c.baseURL, url.QueryEscape(mint))
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("获取Jupiter价格失败", zap.String("token", token), zap.Error(err))
		return 0, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: HTTP %d", ErrPriceUnavailable, resp.StatusCode)
	}

	var parsed priceResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return 0, fmt.Errorf("%w: 解析响应失败: %v", ErrPriceUnavailable, err)
	}

	entry, ok := parsed.Data[mint]
	if !ok {
		return 0, fmt.Errorf("%w: 无 %s 的价格数据", ErrPriceUnavailable, token)
	}

	price, err := strconv.ParseFloat(entry.Price, 64)
	if err != nil || price <= 0 {
		return 0, fmt.Errorf("%w: 价格数据格式错误", ErrPriceUnavailable)
	}

	return price, nil
}

// Quote Jupiter兑换报价
type Quote struct {
	InputMint  string `json:"inputMint"`
	OutputMint string `json:"outputMint"`
	InAmount   string `json:"inAmount"`
	OutAmount  string `json:"outAmount"`
	// 价格影响百分比，字符串形式
	PriceImpactPct string          `json:"priceImpactPct"`
	Raw            json.RawMessage `json:"-"`
}

// GetQuote 获取兑换报价，amount为最小单位数量（SOL方向为lamports）
func (c *JupiterClient) GetQuote(ctx context.Context, inputMint, outputMint string, amount uint64) (*Quote, error) {
	reqCtx, cancel := context.WithTimeout(ctx, priceRequestTimeout)
	defer cancel()

	params := url.Values{}
	params.Set("inputMint", inputMint)
	params.Set("outputMint", outputMint)
	params.Set("amount", strconv.FormatUint(amount, 10))
	params.Set("slippageBps", strconv.Itoa(c.slippageBps))

	endpoint := fmt.Sprintf("%s/quote?%s", c.baseURL, params.Encode())
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSwapFailed, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: 获取报价失败: %v", ErrSwapFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSwapFailed, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: 报价接口返回 HTTP %d", ErrSwapFailed, resp.StatusCode)
	}

	var quote Quote
	if err := json.Unmarshal(body, &quote); err != nil {
		return nil, fmt.Errorf("%w: 解析报价失败: %v", ErrSwapFailed, err)
	}
	quote.Raw = body

	return &quote, nil
}

type swapRequest struct {
	QuoteResponse             json.RawMessage `json:"quoteResponse"`
	UserPublicKey             string          `json:"userPublicKey"`
	WrapAndUnwrapSol          bool            `json:"wrapAndUnwrapSol"`
	DynamicComputeUnitLimit   bool            `json:"dynamicComputeUnitLimit"`
	PrioritizationFeeLamports string          `json:"prioritizationFeeLamports,omitempty"`
}

type swapResponse struct {
	SwapTransaction string `json:"swapTransaction"`
}

// buildSwapTransaction 构建兑换交易，返回base64编码的待签名交易
func (c *JupiterClient) buildSwapTransaction(ctx context.Context, quote *Quote) (string, error) {
	if c.signer == nil {
		return "", ErrNoSigner
	}

	reqCtx, cancel := context.WithTimeout(ctx, swapRequestTimeout)
	defer cancel()

	payload, err := json.Marshal(swapRequest{
		QuoteResponse:    quote.Raw,
		UserPublicKey:    c.signer.PublicKey(),
		WrapAndUnwrapSol: true,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSwapFailed, err)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/swap", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSwapFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: 构建交易失败: %v", ErrSwapFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: 兑换接口返回 HTTP %d", ErrSwapFailed, resp.StatusCode)
	}

	var parsed swapResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("%w: 解析兑换响应失败: %v", ErrSwapFailed, err)
	}

	if parsed.SwapTransaction == "" {
		return "", fmt.Errorf("%w: 兑换响应中无交易数据", ErrSwapFailed)
	}

	return parsed.SwapTransaction, nil
}

// Buy 以amountIn个SOL买入token
func (c *JupiterClient) Buy(ctx context.Context, token string, amountIn float64) (*SwapResult, error) {
	mint, ok := c.mintResolver.ResolveMint(token)
	if !ok {
		return nil, fmt.Errorf("%w: 未知代币 %s", ErrSwapFailed, token)
	}

	lamports := uint64(amountIn * lamportsPerSOL)
	quote, err := c.GetQuote(ctx, solMint, mint, lamports)
	if err != nil {
		return nil, err
	}

	txID, err := c.executeSwap(ctx, quote)
	if err != nil {
		return nil, err
	}

	outAmount, _ := strconv.ParseFloat(quote.OutAmount, 64)

	// 成交价取实时行情，行情不可用时退化为成交均价
	price, err := c.GetPrice(ctx, token)
	if err != nil && outAmount > 0 {
		price = amountIn / outAmount
	}

	c.logger.Info("买入成交",
		zap.String("token", token),
		zap.Float64("amount_in_sol", amountIn),
		zap.String("tx_id", txID))

	return &SwapResult{
		Success:   true,
		TxID:      txID,
		AmountIn:  amountIn,
		AmountOut: outAmount,
		Price:     price,
		Timestamp: time.Now(),
	}, nil
}

// Sell 卖出quantity个token换回SOL
func (c *JupiterClient) Sell(ctx context.Context, token string, quantity float64) (*SwapResult, error) {
	mint, ok := c.mintResolver.ResolveMint(token)
	if !ok {
		return nil, fmt.Errorf("%w: 未知代币 %s", ErrSwapFailed, token)
	}

	quote, err := c.GetQuote(ctx, mint, solMint, uint64(quantity))
	if err != nil {
		return nil, err
	}

	txID, err := c.executeSwap(ctx, quote)
	if err != nil {
		return nil, err
	}

	outLamports, _ := strconv.ParseFloat(quote.OutAmount, 64)

	price, err := c.GetPrice(ctx, token)
	if err != nil && quantity > 0 {
		price = outLamports / lamportsPerSOL / quantity
	}

	c.logger.Info("卖出成交",
		zap.String("token", token),
		zap.Float64("quantity", quantity),
		zap.String("tx_id", txID))

	return &SwapResult{
		Success:   true,
		TxID:      txID,
		AmountIn:  quantity,
		AmountOut: outLamports / lamportsPerSOL,
		Price:     price,
		Timestamp: time.Now(),
	}, nil
}

func (c *JupiterClient) executeSwap(ctx context.Context, quote *Quote) (string, error) {
	swapTx, err := c.buildSwapTransaction(ctx, quote)
	if err != nil {
		return "", err
	}

	txID, err := c.signer.SignAndSubmit(ctx, swapTx)
	if err != nil {
		return "", fmt.Errorf("%w: 提交交易失败: %v", ErrSwapFailed, err)
	}

	return txID, nil
}
