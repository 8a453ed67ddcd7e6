package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	rawSignalQueueKey  = "queue:raw_signals"
	aggregatedKey      = "signal:aggregated"
	positionsKey       = "positions:open"
	positionHistoryKey = "positions:history"
	emergencyKey       = "risk:emergency"

	positionHistoryCap = 500
)

// Options Redis连接配置
type Options struct {
	Host      string
	Port      int
	Password  string
	DB        int
	KeyPrefix string
}

// Client Redis存储客户端
// 承载原始信号队列、聚合信号缓存、持仓快照/历史与紧急停止状态
type Client struct {
	rdb       *redis.Client
	keyPrefix string
	logger    *zap.Logger
}

// NewClient 创建Redis存储客户端并验证连接
func NewClient(opts Options, logger *zap.Logger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
		MaxRetries:   3,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("连接Redis失败: %w", err)
	}

	return &Client{
		rdb:       rdb,
		keyPrefix: opts.KeyPrefix,
		logger:    logger.With(zap.String("component", "storage")),
	}, nil
}

// Close 关闭Redis连接
func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) key(suffix string) string {
	return c.keyPrefix + suffix
}

// PushRawSignal 向原始信号队列推送一条信号
func (c *Client) PushRawSignal(ctx context.Context, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化信号失败: %w", err)
	}
	if err := c.rdb.LPush(ctx, c.key(rawSignalQueueKey), data).Err(); err != nil {
		return fmt.Errorf("推送信号到队列失败: %w", err)
	}
	return nil
}

// PopRawSignal 阻塞式从原始信号队列取出一条信号
// 队列为空且超时返回redis.Nil
func (c *Client) PopRawSignal(ctx context.Context, timeout time.Duration) ([]byte, error) {
	result, err := c.rdb.BRPop(ctx, timeout, c.key(rawSignalQueueKey)).Result()
	if err != nil {
		return nil, err
	}
	// BRPop返回 [key, value]
	if len(result) < 2 {
		return nil, redis.Nil
	}
	return []byte(result[1]), nil
}

// SaveAggregatedSignal 缓存代币的聚合信号
func (c *Client) SaveAggregatedSignal(ctx context.Context, token string, agg interface{}, ttl time.Duration) error {
	data, err := json.Marshal(agg)
	if err != nil {
		return fmt.Errorf("序列化聚合信号失败: %w", err)
	}
	key := fmt.Sprintf("%s:%s", c.key(aggregatedKey), token)
	if err := c.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("缓存聚合信号失败: %w", err)
	}
	return nil
}

// GetAggregatedSignal 读取代币的聚合信号缓存
func (c *Client) GetAggregatedSignal(ctx context.Context, token string, dest interface{}) error {
	key := fmt.Sprintf("%s:%s", c.key(aggregatedKey), token)
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// SavePositionSnapshot 覆盖保存当前未平仓持仓快照
func (c *Client) SavePositionSnapshot(ctx context.Context, positions interface{}) error {
	data, err := json.Marshal(positions)
	if err != nil {
		return fmt.Errorf("序列化持仓快照失败: %w", err)
	}
	if err := c.rdb.Set(ctx, c.key(positionsKey), data, 0).Err(); err != nil {
		return fmt.Errorf("保存持仓快照失败: %w", err)
	}
	return nil
}

// LoadPositionSnapshot 读取持仓快照
func (c *Client) LoadPositionSnapshot(ctx context.Context, dest interface{}) error {
	data, err := c.rdb.Get(ctx, c.key(positionsKey)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil
		}
		return fmt.Errorf("读取持仓快照失败: %w", err)
	}
	return json.Unmarshal(data, dest)
}

// AppendClosedPosition 追加一条平仓历史，保留最近若干条
func (c *Client) AppendClosedPosition(ctx context.Context, closed interface{}) error {
	data, err := json.Marshal(closed)
	if err != nil {
		return fmt.Errorf("序列化平仓记录失败: %w", err)
	}
	key := c.key(positionHistoryKey)
	pipe := c.rdb.Pipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, positionHistoryCap-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("保存平仓记录失败: %w", err)
	}
	return nil
}

// GetClosedPositions 读取最近的平仓历史原始记录
func (c *Client) GetClosedPositions(ctx context.Context, limit int64) ([][]byte, error) {
	if limit <= 0 {
		limit = 50
	}
	items, err := c.rdb.LRange(ctx, c.key(positionHistoryKey), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("读取平仓历史失败: %w", err)
	}
	out := make([][]byte, 0, len(items))
	for _, item := range items {
		out = append(out, []byte(item))
	}
	return out, nil
}

// emergencyState 紧急停止持久化结构
type emergencyState struct {
	Active    bool      `json:"active"`
	Reasons   []string  `json:"reasons"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SaveEmergencyState 持久化紧急停止状态，重启后恢复
func (c *Client) SaveEmergencyState(ctx context.Context, active bool, reasons []string) error {
	data, err := json.Marshal(emergencyState{
		Active:    active,
		Reasons:   reasons,
		UpdatedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("序列化紧急停止状态失败: %w", err)
	}
	if err := c.rdb.Set(ctx, c.key(emergencyKey), data, 0).Err(); err != nil {
		return fmt.Errorf("保存紧急停止状态失败: %w", err)
	}
	return nil
}

// LoadEmergencyState 读取持久化的紧急停止状态
func (c *Client) LoadEmergencyState(ctx context.Context) (bool, []string, error) {
	data, err := c.rdb.Get(ctx, c.key(emergencyKey)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return false, nil, nil
		}
		return false, nil, fmt.Errorf("读取紧急停止状态失败: %w", err)
	}

	var state emergencyState
	if err := json.Unmarshal(data, &state); err != nil {
		return false, nil, fmt.Errorf("解析紧急停止状态失败: %w", err)
	}
	return state.Active, state.Reasons, nil
}

// AcquireLock 尝试获取分布式锁
func (c *Client) AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, c.key("lock:"+name), time.Now().UnixNano(), ttl).Result()
}

// ReleaseLock 释放分布式锁
func (c *Client) ReleaseLock(ctx context.Context, name string) error {
	return c.rdb.Del(ctx, c.key("lock:"+name)).Err()
}
