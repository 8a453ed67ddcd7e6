package risk

import (
	"math"

	"github.com/life2you_mini/memehunt/internal/model"
)

// CalculateTokenRiskScore 计算代币风险分 [0,1]
// 基础风险0.30，按流动性/市值/持币人数/波动率/代币年龄叠加惩罚项
// 指标缺失按中性处理，永不返回错误
func CalculateTokenRiskScore(metrics model.TokenMetrics) float64 {
	score := 0.30

	if metrics.LiquidityUSD > 0 {
		if metrics.LiquidityUSD < 5000 {
			score += 0.30
		} else if metrics.LiquidityUSD < 10000 {
			score += 0.20
		}
	}

	if metrics.MarketCapUSD > 0 && metrics.MarketCapUSD < 50000 {
		score += 0.20
	}

	if metrics.Holders > 0 && metrics.Holders < 50 {
		score += 0.15
	}

	if metrics.Volatility > 80 {
		score += 0.15
	}

	if metrics.AgeHours > 0 && metrics.AgeHours < 24 {
		score += 0.10
	}

	return math.Min(score, 1.0)
}

// CalculateExposureRatio 计算敞口比例（百分比）
// 敞口 = 持仓名义价值合计 / (余额 + 持仓名义价值合计)
func CalculateExposureRatio(positionValue, balance float64) float64 {
	total := balance + positionValue
	if total <= 0 {
		return 0
	}
	return positionValue / total * 100
}

// CalculateDrawdown 计算组合回撤百分比（负值表示亏损）
func CalculateDrawdown(currentEquity, peakEquity float64) float64 {
	if peakEquity <= 0 {
		return 0
	}
	return (currentEquity - peakEquity) / peakEquity * 100
}

// UpdateEWMAVolatility 以指数加权滑动平均更新波动率估计
// alpha为新样本权重，sample为本周期价格变动幅度的绝对百分比
func UpdateEWMAVolatility(prev, sample, alpha float64) float64 {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.2
	}
	if prev <= 0 {
		return sample
	}
	return alpha*sample + (1-alpha)*prev
}

// RiskLevelFor 风险分对应的风险等级
func RiskLevelFor(riskScore float64) string {
	switch {
	case riskScore < 30:
		return "LOW"
	case riskScore < 55:
		return "MEDIUM"
	case riskScore < 75:
		return "HIGH"
	default:
		return "EXTREME"
	}
}

// CalculatePortfolioRiskScore 组合风险分 [0,100]
// 由敞口比例、平均代币风险、平均波动率与回撤共同决定
func CalculatePortfolioRiskScore(exposureRatio, avgTokenRisk, avgVolatility, drawdown float64) float64 {
	score := 0.35*exposureRatio +
		0.30*avgTokenRisk*100 +
		0.20*math.Min(avgVolatility/2, 100)

	if drawdown < 0 {
		score += 0.15 * math.Min(-drawdown*2, 100)
	}

	return math.Min(math.Max(score, 0), 100)
}
