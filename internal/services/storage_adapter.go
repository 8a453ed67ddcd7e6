package services

import (
	"context"

	"github.com/life2you_mini/memehunt/internal/storage"
	"github.com/life2you_mini/memehunt/internal/trading"
)

// PositionStoreAdapter 将存储客户端适配为持仓持久化接口
type PositionStoreAdapter struct {
	storage *storage.Client
}

// NewPositionStoreAdapter 创建持仓存储适配器
func NewPositionStoreAdapter(s *storage.Client) *PositionStoreAdapter {
	return &PositionStoreAdapter{storage: s}
}

// SavePositionSnapshot 保存持仓快照
func (a *PositionStoreAdapter) SavePositionSnapshot(ctx context.Context, positions []*trading.Position) error {
	return a.storage.SavePositionSnapshot(ctx, positions)
}

// AppendClosedPosition 追加平仓历史
func (a *PositionStoreAdapter) AppendClosedPosition(ctx context.Context, closed *trading.ClosedPosition) error {
	return a.storage.AppendClosedPosition(ctx, closed)
}
