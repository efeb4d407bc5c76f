package model

import "context"

type subjectKey struct{}

// ContextWithSubject は行レベル認可の主体となるユーザーIDをコンテキストに設定する。
func ContextWithSubject(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, subjectKey{}, userID)
}

// SubjectFromContext はコンテキストに設定された主体のユーザーIDを返す。
// 設定されていない場合は空文字列を返す。
func SubjectFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(subjectKey{}).(string); ok {
		return v
	}
	return ""
}
