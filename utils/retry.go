package utils

import (
	"context"
	"time"

	"github.com/freemoses/tpro/errs"
)

// Retry calls fn up to attempts times, sleeping attempt-number seconds
// between tries (linear backoff). Cancellation is honored between attempts,
// never mid-call.
// 按次数重试，第n次失败后等待n秒；仅在两次尝试之间响应取消。
func Retry(ctx context.Context, attempts int, fn func() *errs.Error) *errs.Error {
	if attempts < 1 {
		attempts = 1
	}
	var last *errs.Error
	for i := 1; i <= attempts; i++ {
		last = fn()
		if last == nil {
			return nil
		}
		if i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return last
		case <-time.After(time.Duration(i) * time.Second):
		}
	}
	return last
}
