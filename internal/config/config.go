package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config 应用配置结构
type Config struct {
	Solana    SolanaConfig    `mapstructure:"solana" yaml:"solana"`
	Reference ReferenceConfig `mapstructure:"reference" yaml:"reference"`
	Trading   TradingConfig   `mapstructure:"trading" yaml:"trading"`
	Signal    SignalConfig    `mapstructure:"signal" yaml:"signal"`
	Risk      RiskConfig      `mapstructure:"risk" yaml:"risk"`
	Scanner   ScannerConfig   `mapstructure:"scanner" yaml:"scanner"`
	System    SystemConfig    `mapstructure:"system" yaml:"system"`
	Redis     RedisConfig     `mapstructure:"redis" yaml:"redis"`
}

// SolanaConfig Solana链上相关配置
type SolanaConfig struct {
	RPCURL           string `mapstructure:"rpc_url" yaml:"rpc_url"`
	JupiterAPIURL    string `mapstructure:"jupiter_api_url" yaml:"jupiter_api_url"`
	DexScreenerAPI   string `mapstructure:"dexscreener_api_url" yaml:"dexscreener_api_url"`
	WalletPrivateKey string `mapstructure:"wallet_private_key" yaml:"-"` // 仅从环境变量读取
	SlippageBps      int    `mapstructure:"slippage_bps" yaml:"slippage_bps"`
}

// ReferenceConfig 中心化交易所参考价配置（用于SOL估值换算）
type ReferenceConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Symbol    string `mapstructure:"symbol" yaml:"symbol"`
	APIKey    string `mapstructure:"api_key" yaml:"-"`
	APISecret string `mapstructure:"api_secret" yaml:"-"`
}

// TradingConfig 交易与持仓配置
type TradingConfig struct {
	AutoTrade         bool    `mapstructure:"auto_trade" yaml:"auto_trade"`
	MaxPositions      int     `mapstructure:"max_positions" yaml:"max_positions"`
	MinTradeSize      float64 `mapstructure:"min_trade_size" yaml:"min_trade_size"`           // 单位: SOL
	MaxPositionSize   float64 `mapstructure:"max_position_size" yaml:"max_position_size"`     // 单位: SOL
	TakeProfitPercent float64 `mapstructure:"take_profit_percent" yaml:"take_profit_percent"` // 触发止盈建议的盈亏百分比
	StopLossPercent   float64 `mapstructure:"stop_loss_percent" yaml:"stop_loss_percent"`     // 触发止损建议的盈亏百分比（负值）
	PartialTPFraction float64 `mapstructure:"partial_tp_fraction" yaml:"partial_tp_fraction"` // 首次止盈平仓比例 (0-100)
	PaperBalance      float64 `mapstructure:"paper_balance" yaml:"paper_balance"`             // 模拟盘初始余额 (SOL)
	MinBuyConfidence  float64 `mapstructure:"min_buy_confidence" yaml:"min_buy_confidence"`   // 自动开仓要求的最低聚合置信度
}

// SignalConfig 信号聚合配置
type SignalConfig struct {
	ConfidenceFloor    float64            `mapstructure:"confidence_floor" yaml:"confidence_floor"`
	TTLHours           float64            `mapstructure:"ttl_hours" yaml:"ttl_hours"`
	MaxAgeHours        float64            `mapstructure:"max_age_hours" yaml:"max_age_hours"`
	DecayHalfLifeHours float64            `mapstructure:"decay_half_life_hours" yaml:"decay_half_life_hours"`
	PoolSize           int                `mapstructure:"pool_size" yaml:"pool_size"`
	SourceWeights      map[string]float64 `mapstructure:"source_weights" yaml:"source_weights"`
}

// RiskConfig 风险引擎配置
// 注意: 持仓状态阈值(-50%)、止损建议阈值(stop_loss_percent)与组合回撤阈值(drawdown_threshold)
// 是三个相互独立的配置项，不做统一
type RiskConfig struct {
	CriticalRiskScore float64 `mapstructure:"critical_risk_score" yaml:"critical_risk_score"`   // 组合风险分临界值 (0-100)
	CriticalExposure  float64 `mapstructure:"critical_exposure" yaml:"critical_exposure"`       // 敞口比例临界值 (%)
	DrawdownThreshold float64 `mapstructure:"drawdown_threshold" yaml:"drawdown_threshold"`     // 组合回撤临界值 (%, 负值)
	ExtremeVolatility float64 `mapstructure:"extreme_volatility" yaml:"extreme_volatility"`     // 平均波动率极端临界值
	MaxTokenRiskScore float64 `mapstructure:"max_token_risk_score" yaml:"max_token_risk_score"` // 允许开仓的最大代币风险分 (0-1)
}

// ScannerConfig 代币扫描器配置
type ScannerConfig struct {
	IntervalSeconds int     `mapstructure:"interval_seconds" yaml:"interval_seconds"`
	MinLiquidityUSD float64 `mapstructure:"min_liquidity_usd" yaml:"min_liquidity_usd"`
	MinVolume5mUSD  float64 `mapstructure:"min_volume_5m_usd" yaml:"min_volume_5m_usd"`
	MinPairAgeHours float64 `mapstructure:"min_pair_age_hours" yaml:"min_pair_age_hours"`
	MinEntryScore   float64 `mapstructure:"min_entry_score" yaml:"min_entry_score"`
	SearchQuery     string  `mapstructure:"search_query" yaml:"search_query"`
}

// SystemConfig 系统配置
type SystemConfig struct {
	LogLevel                string `mapstructure:"log_level" yaml:"log_level"`
	LogDir                  string `mapstructure:"log_dir" yaml:"log_dir"`
	PriceRefreshSeconds     int    `mapstructure:"price_refresh_seconds" yaml:"price_refresh_seconds"`
	RiskIntervalSeconds     int    `mapstructure:"risk_interval_seconds" yaml:"risk_interval_seconds"`
	AggregateIntervalSecond int    `mapstructure:"aggregate_interval_seconds" yaml:"aggregate_interval_seconds"`
	TradeIntervalSeconds    int    `mapstructure:"trade_interval_seconds" yaml:"trade_interval_seconds"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Host      string `mapstructure:"host" yaml:"host"`
	Port      int    `mapstructure:"port" yaml:"port"`
	Password  string `mapstructure:"password" yaml:"-"`
	DB        int    `mapstructure:"db" yaml:"db"`
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix"`
}

// LoadConfig 从文件加载配置
func LoadConfig(filePath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(filePath)

	// 先写入默认值，配置文件只需覆盖需要修改的项
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	// 绑定环境变量，前缀MEMEHUNT，如MEMEHUNT_REDIS_HOST
	v.AutomaticEnv()
	v.SetEnvPrefix("MEMEHUNT")

	// 敏感信息只允许通过环境变量注入
	if pk := os.Getenv("WALLET_PRIVATE_KEY"); pk != "" {
		v.Set("solana.wallet_private_key", pk)
	}
	if key := os.Getenv("BINANCE_API_KEY"); key != "" {
		v.Set("reference.api_key", key)
	}
	if secret := os.Getenv("BINANCE_API_SECRET"); secret != "" {
		v.Set("reference.api_secret", secret)
	}
	if pwd := os.Getenv("REDIS_PASSWORD"); pwd != "" {
		v.Set("redis.password", pwd)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return &config, nil
}

// LoadConfigFromYAML 不经过viper直接解析YAML，供测试和工具使用
func LoadConfigFromYAML(filePath string) (*Config, error) {
	yamlFile, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	config := GetDefaultConfig()
	if err := yaml.Unmarshal(yamlFile, config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return config, nil
}

func setDefaults(v *viper.Viper) {
	def := GetDefaultConfig()
	v.SetDefault("solana.rpc_url", def.Solana.RPCURL)
	v.SetDefault("solana.jupiter_api_url", def.Solana.JupiterAPIURL)
	v.SetDefault("solana.dexscreener_api_url", def.Solana.DexScreenerAPI)
	v.SetDefault("solana.slippage_bps", def.Solana.SlippageBps)
	v.SetDefault("reference.enabled", def.Reference.Enabled)
	v.SetDefault("reference.symbol", def.Reference.Symbol)
	v.SetDefault("trading.auto_trade", def.Trading.AutoTrade)
	v.SetDefault("trading.max_positions", def.Trading.MaxPositions)
	v.SetDefault("trading.min_trade_size", def.Trading.MinTradeSize)
	v.SetDefault("trading.max_position_size", def.Trading.MaxPositionSize)
	v.SetDefault("trading.take_profit_percent", def.Trading.TakeProfitPercent)
	v.SetDefault("trading.stop_loss_percent", def.Trading.StopLossPercent)
	v.SetDefault("trading.partial_tp_fraction", def.Trading.PartialTPFraction)
	v.SetDefault("trading.paper_balance", def.Trading.PaperBalance)
	v.SetDefault("trading.min_buy_confidence", def.Trading.MinBuyConfidence)
	v.SetDefault("signal.confidence_floor", def.Signal.ConfidenceFloor)
	v.SetDefault("signal.ttl_hours", def.Signal.TTLHours)
	v.SetDefault("signal.max_age_hours", def.Signal.MaxAgeHours)
	v.SetDefault("signal.decay_half_life_hours", def.Signal.DecayHalfLifeHours)
	v.SetDefault("signal.pool_size", def.Signal.PoolSize)
	v.SetDefault("signal.source_weights", def.Signal.SourceWeights)
	v.SetDefault("risk.critical_risk_score", def.Risk.CriticalRiskScore)
	v.SetDefault("risk.critical_exposure", def.Risk.CriticalExposure)
	v.SetDefault("risk.drawdown_threshold", def.Risk.DrawdownThreshold)
	v.SetDefault("risk.extreme_volatility", def.Risk.ExtremeVolatility)
	v.SetDefault("risk.max_token_risk_score", def.Risk.MaxTokenRiskScore)
	v.SetDefault("scanner.interval_seconds", def.Scanner.IntervalSeconds)
	v.SetDefault("scanner.min_liquidity_usd", def.Scanner.MinLiquidityUSD)
	v.SetDefault("scanner.min_volume_5m_usd", def.Scanner.MinVolume5mUSD)
	v.SetDefault("scanner.min_pair_age_hours", def.Scanner.MinPairAgeHours)
	v.SetDefault("scanner.min_entry_score", def.Scanner.MinEntryScore)
	v.SetDefault("scanner.search_query", def.Scanner.SearchQuery)
	v.SetDefault("system.log_level", def.System.LogLevel)
	v.SetDefault("system.log_dir", def.System.LogDir)
	v.SetDefault("system.price_refresh_seconds", def.System.PriceRefreshSeconds)
	v.SetDefault("system.risk_interval_seconds", def.System.RiskIntervalSeconds)
	v.SetDefault("system.aggregate_interval_seconds", def.System.AggregateIntervalSecond)
	v.SetDefault("system.trade_interval_seconds", def.System.TradeIntervalSeconds)
	v.SetDefault("redis.host", def.Redis.Host)
	v.SetDefault("redis.port", def.Redis.Port)
	v.SetDefault("redis.db", def.Redis.DB)
	v.SetDefault("redis.key_prefix", def.Redis.KeyPrefix)
}

// validateConfig 验证配置有效性
func validateConfig(config *Config) error {
	if config.Solana.JupiterAPIURL == "" {
		return fmt.Errorf("Jupiter API地址不能为空")
	}

	if config.Trading.MaxPositions <= 0 {
		return fmt.Errorf("最大持仓数量必须大于0")
	}

	if config.Trading.MinTradeSize <= 0 {
		return fmt.Errorf("最小交易规模必须大于0")
	}

	if config.Trading.MaxPositionSize < config.Trading.MinTradeSize {
		return fmt.Errorf("最大持仓规模不能小于最小交易规模")
	}

	if config.Trading.StopLossPercent >= 0 {
		return fmt.Errorf("止损阈值必须为负值")
	}

	if config.Trading.PartialTPFraction <= 0 || config.Trading.PartialTPFraction > 100 {
		return fmt.Errorf("止盈平仓比例必须在0到100之间")
	}

	if config.Signal.ConfidenceFloor < 0 || config.Signal.ConfidenceFloor > 1 {
		return fmt.Errorf("信号置信度下限必须在0到1之间")
	}

	if config.Signal.PoolSize <= 0 {
		return fmt.Errorf("信号池容量必须大于0")
	}

	for source, weight := range config.Signal.SourceWeights {
		if weight < 0 || weight > 1 {
			return fmt.Errorf("信号来源 %s 的可靠度权重必须在0到1之间", source)
		}
	}

	if config.Risk.CriticalRiskScore <= 0 || config.Risk.CriticalRiskScore > 100 {
		return fmt.Errorf("组合风险分临界值必须在0到100之间")
	}

	if config.Risk.DrawdownThreshold >= 0 {
		return fmt.Errorf("组合回撤临界值必须为负值")
	}

	if config.Redis.Host == "" {
		return fmt.Errorf("Redis主机不能为空")
	}

	if config.Redis.Port <= 0 || config.Redis.Port > 65535 {
		return fmt.Errorf("无效的Redis端口")
	}

	return nil
}

// GetDefaultConfig 获取默认配置（用于生成示例配置）
func GetDefaultConfig() *Config {
	return &Config{
		Solana: SolanaConfig{
			RPCURL:         "https://api.mainnet-beta.solana.com",
			JupiterAPIURL:  "https://quote-api.jup.ag/v6",
			DexScreenerAPI: "https://api.dexscreener.com/latest/dex",
			SlippageBps:    50,
		},
		Reference: ReferenceConfig{
			Enabled: true,
			Symbol:  "SOL/USDT",
		},
		Trading: TradingConfig{
			AutoTrade:         false,
			MaxPositions:      5,
			MinTradeSize:      0.1,
			MaxPositionSize:   5.0,
			TakeProfitPercent: 150.0,
			StopLossPercent:   -30.0,
			PartialTPFraction: 50.0,
			PaperBalance:      25.0,
			MinBuyConfidence:  0.7,
		},
		Signal: SignalConfig{
			ConfidenceFloor:    0.30,
			TTLHours:           4.0,
			MaxAgeHours:        12.0,
			DecayHalfLifeHours: 6.0,
			PoolSize:           20,
			SourceWeights: map[string]float64{
				"AI_NEURAL":          0.85,
				"WHALE_TRACKER":      0.80,
				"TECHNICAL_ANALYSIS": 0.75,
				"VOLUME_SCANNER":     0.70,
				"DEX_MONITOR":        0.70,
				"SOCIAL_SENTIMENT":   0.65,
			},
		},
		Risk: RiskConfig{
			CriticalRiskScore: 70.0,
			CriticalExposure:  80.0,
			DrawdownThreshold: -20.0,
			ExtremeVolatility: 150.0,
			MaxTokenRiskScore: 0.7,
		},
		Scanner: ScannerConfig{
			IntervalSeconds: 30,
			MinLiquidityUSD: 2000.0,
			MinVolume5mUSD:  500.0,
			MinPairAgeHours: 1.0,
			MinEntryScore:   0.65,
			SearchQuery:     "SOL",
		},
		System: SystemConfig{
			LogLevel:                "info",
			LogDir:                  "./logs",
			PriceRefreshSeconds:     5,
			RiskIntervalSeconds:     20,
			AggregateIntervalSecond: 12,
			TradeIntervalSeconds:    15,
		},
		Redis: RedisConfig{
			Host:      "localhost",
			Port:      6379,
			DB:        0,
			KeyPrefix: "memehunt:",
		},
	}
}
