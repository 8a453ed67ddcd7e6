package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

// MockSignalQueue 信号队列接口的模拟实现
type MockSignalQueue struct {
	mock.Mock
}

// PopRawSignal 取出信号的模拟实现
func (m *MockSignalQueue) PopRawSignal(ctx context.Context, timeout time.Duration) ([]byte, error) {
	args := m.Called(ctx, timeout)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

// PushRawSignal 推送信号的模拟实现
func (m *MockSignalQueue) PushRawSignal(ctx context.Context, payload interface{}) error {
	args := m.Called(ctx, payload)
	return args.Error(0)
}

// MockSignalStore 聚合信号缓存接口的模拟实现
type MockSignalStore struct {
	mock.Mock
}

// SaveAggregatedSignal 缓存聚合信号的模拟实现
func (m *MockSignalStore) SaveAggregatedSignal(ctx context.Context, token string, agg interface{}, ttl time.Duration) error {
	args := m.Called(ctx, token, agg, ttl)
	return args.Error(0)
}

// MockEmergencyStateStore 紧急停止状态存储的模拟实现
type MockEmergencyStateStore struct {
	mock.Mock
}

// SaveEmergencyState 保存状态的模拟实现
func (m *MockEmergencyStateStore) SaveEmergencyState(ctx context.Context, active bool, reasons []string) error {
	args := m.Called(ctx, active, reasons)
	return args.Error(0)
}

// LoadEmergencyState 读取状态的模拟实现
func (m *MockEmergencyStateStore) LoadEmergencyState(ctx context.Context) (bool, []string, error) {
	args := m.Called(ctx)
	var reasons []string
	if args.Get(1) != nil {
		reasons = args.Get(1).([]string)
	}
	return args.Bool(0), reasons, args.Error(2)
}
