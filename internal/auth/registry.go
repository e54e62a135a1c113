package auth

import (
	"context"
	"sync"
	"time"
)

// Registry 保存当前有效的 refresh token（按摘要存储）。
// 不在注册表中的 token 即便签名有效也不可用。
type Registry interface {
	Add(ctx context.Context, digest string, expiresAt time.Time) error
	Contains(ctx context.Context, digest string) (bool, error)
	Remove(ctx context.Context, digest string) error
	Clear(ctx context.Context) error
}

// MemoryRegistry 是进程内注册表，进程重启后所有会话需要重新登录。
type MemoryRegistry struct {
	mu     sync.Mutex
	tokens map[string]time.Time
	now    func() time.Time
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{tokens: make(map[string]time.Time), now: time.Now}
}

func (r *MemoryRegistry) Add(_ context.Context, digest string, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweep()
	r.tokens[digest] = expiresAt
	return nil
}

func (r *MemoryRegistry) Contains(_ context.Context, digest string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	exp, ok := r.tokens[digest]
	if !ok {
		return false, nil
	}
	if !r.now().Before(exp) {
		delete(r.tokens, digest)
		return false, nil
	}
	return true, nil
}

func (r *MemoryRegistry) Remove(_ context.Context, digest string) error {
	r.mu.Lock()
	delete(r.tokens, digest)
	r.mu.Unlock()
	return nil
}

func (r *MemoryRegistry) Clear(_ context.Context) error {
	r.mu.Lock()
	r.tokens = make(map[string]time.Time)
	r.mu.Unlock()
	return nil
}

// Len 返回未过期 token 数量。
func (r *MemoryRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweep()
	return len(r.tokens)
}

// sweep 清理已过期的条目，调用方需持有锁。
func (r *MemoryRegistry) sweep() {
	now := r.now()
	for k, exp := range r.tokens {
		if !now.Before(exp) {
			delete(r.tokens, k)
		}
	}
}
