// Package timeutil はコンテキストを尊重する待機処理を提供する。
package timeutil

import (
	"context"
	"time"
)

// Sleep はdだけ待機する。コンテキストが先に終了した場合はそのエラーを返す。
// dが0以下のときは待機せず、コンテキストの状態だけを返す。
// キャンセル済みのコンテキストで呼ばれた場合、dによらず必ずエラーになる。
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
