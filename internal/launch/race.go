package launch

import (
	"context"
	"time"
)

// Outcome はタイムアウト付き呼び出しの決着の仕方を表す。
// タイムアウトは例外ではなく値として扱う。
type Outcome int

const (
	// OutcomeOK は呼び出しが成功した。
	OutcomeOK Outcome = iota
	// OutcomeError は呼び出しがエラーを返した。
	OutcomeError
	// OutcomeTimeout は呼び出しより先に期限が到来した。
	OutcomeTimeout
)

// String はログ出力用の表現を返す。
func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeError:
		return "error"
	default:
		return "timeout"
	}
}

// Result はRaceの結果。
type Result[T any] struct {
	Value   T
	Err     error
	Outcome Outcome
}

// Race はfnをtimeoutで打ち切られる派生コンテキスト上で実行し、先に決着した方を返す。
// Raceが戻った時点で派生コンテキストはキャンセルされるため、負けた側の処理は破棄される。
// 親コンテキストの終了もタイムアウトとして扱う。
func Race[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) Result[T] {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan Result[T], 1)
	go func() {
		v, err := fn(cctx)
		if err != nil {
			ch <- Result[T]{Value: v, Err: err, Outcome: OutcomeError}
			return
		}
		ch <- Result[T]{Value: v, Outcome: OutcomeOK}
	}()

	select {
	case r := <-ch:
		// fnが期限切れを受けてエラーで戻った場合もタイムアウトとみなす
		if r.Outcome == OutcomeError && cctx.Err() != nil {
			r.Outcome = OutcomeTimeout
		}
		return r
	case <-cctx.Done():
		var zero T
		return Result[T]{Value: zero, Err: cctx.Err(), Outcome: OutcomeTimeout}
	}
}
