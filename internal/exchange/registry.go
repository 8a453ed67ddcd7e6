package exchange

import "sync"

// MintRegistry 代币符号到Mint地址的内存映射
// 监控扫链时注册新发现的代币，下单路径据此解析Mint
type MintRegistry struct {
	mu    sync.RWMutex
	mints map[string]string
}

func NewMintRegistry() *MintRegistry {
	return &MintRegistry{mints: make(map[string]string)}
}

// Register 登记代币Mint地址，重复登记以最新为准
func (r *MintRegistry) Register(token, mintAddress string) {
	if token == "" || mintAddress == "" {
		return
	}
	r.mu.Lock()
	r.mints[token] = mintAddress
	r.mu.Unlock()
}

// ResolveMint 查询代币Mint地址
func (r *MintRegistry) ResolveMint(token string) (string, bool) {
	r.mu.RLock()
	mint, ok := r.mints[token]
	r.mu.RUnlock()
	return mint, ok
}
