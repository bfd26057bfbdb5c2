package auth

import "context"

type profileKey struct{}

// WithUser 将已认证的用户写入 ctx。
func WithUser(ctx context.Context, p *Profile) context.Context {
	if p == nil {
		return ctx
	}
	return context.WithValue(ctx, profileKey{}, p)
}

// UserFromContext 返回 WithUser 写入的用户，不存在时返回 nil。
func UserFromContext(ctx context.Context) *Profile {
	if ctx == nil {
		return nil
	}
	p, _ := ctx.Value(profileKey{}).(*Profile)
	return p
}

// UserID 返回已认证用户的 ID，未认证时返回空字符串。
func UserID(ctx context.Context) string {
	if p := UserFromContext(ctx); p != nil {
		return p.Sub
	}
	return ""
}
