package auth

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"
)

var (
	ErrHashing       = errors.New("password hashing failed")
	ErrMalformedHash = errors.New("malformed password hash")
)

// Hasher 负责密码的 bcrypt 哈希与校验。bcrypt 属于 CPU 密集操作，
// 并发数由信号量限制，调用方仍同步等待结果。
type Hasher struct {
	cost int
	sem  *semaphore.Weighted
}

func NewHasher(cost, workers int) *Hasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	if workers <= 0 {
		workers = 1
	}
	return &Hasher{cost: cost, sem: semaphore.NewWeighted(int64(workers))}
}

func (h *Hasher) Hash(ctx context.Context, pw string) (string, error) {
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer h.sem.Release(1)
	b, err := bcrypt.GenerateFromPassword([]byte(pw), h.cost)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrHashing, err)
	}
	return string(b), nil
}

// Verify 密码不匹配时返回 false 且无错误，只有摘要本身非法时才报错。
func (h *Hasher) Verify(ctx context.Context, pw, hash string) (bool, error) {
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer h.sem.Release(1)
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, fmt.Errorf("%w: %v", ErrMalformedHash, err)
	}
}
