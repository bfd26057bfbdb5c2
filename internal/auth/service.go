package auth

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	xerrors "AgentBounty/internal/errors"
	"AgentBounty/pkg/logger"
)

const (
	// CookieName 是保存会话令牌的 Cookie 名称。
	CookieName = "agentbounty_session"

	defaultIssuer = "agentbounty"
	defaultTTL    = 24 * time.Hour
)

// Config 配置会话签发。
type Config struct {
	Secret       string
	TTL          time.Duration
	Issuer       string
	CookieSecure bool
}

// Claims 是会话令牌中的 JWT 声明。
type Claims struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	jwt.RegisteredClaims
}

// Session 表示已签发的会话令牌。
type Session struct {
	Profile   *Profile
	Token     string
	ExpiresAt time.Time
}

// Service 负责校验用户凭证并签发 HS256 会话令牌。
type Service struct {
	store  Store
	secret []byte
	cfg    Config
	now    func() time.Time
}

func NewService(store Store, cfg Config) (*Service, error) {
	if store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "认证服务缺少用户存储")
	}
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置会话密钥")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.Issuer == "" {
		cfg.Issuer = defaultIssuer
	}
	return &Service{store: store, secret: []byte(cfg.Secret), cfg: cfg, now: time.Now}, nil
}

// Login 校验凭证并签发会话。
func (s *Service) Login(ctx context.Context, email, password string) (*Session, error) {
	u, err := s.store.FindByEmail(ctx, email)
	if err != nil {
		if xerrors.CodeOf(err) == CodeUserNotFound {
			logger.Audit().Warn("login rejected", slog.String("email", normaliseEmail(email)))
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !CheckPassword(u.PasswordHash, password) {
		logger.Audit().Warn("login rejected", slog.String("email", u.Email))
		return nil, ErrInvalidCredentials
	}
	if u.Disabled {
		return nil, ErrUserDisabled
	}
	sess, err := s.Issue(u.Profile())
	if err != nil {
		return nil, err
	}
	logger.Audit().Info("login", slog.String("user_id", u.ID))
	return sess, nil
}

// Issue 为 p 签发会话令牌。
func (s *Service) Issue(p *Profile) (*Session, error) {
	now := s.now()
	expires := now.Add(s.cfg.TTL)
	claims := Claims{
		Email: p.Email,
		Name:  p.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.Sub,
			Issuer:    s.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "sign session")
	}
	return &Session{Profile: p, Token: token, ExpiresAt: expires}, nil
}

// Verify 解析会话令牌并返回用户信息。
func (s *Service) Verify(token string) (*Profile, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !parsed.Valid {
		return nil, xerrors.Wrap(xerrors.CodeUnauthenticated, err, "Not authenticated")
	}
	if claims.Subject == "" {
		return nil, ErrNotAuthenticated
	}
	return &Profile{Sub: claims.Subject, Email: claims.Email, Name: claims.Name}, nil
}

// Recipient 返回 userID 用于通知的邮箱身份，未知用户返回空值。
func (s *Service) Recipient(ctx context.Context, userID string) (email, name string) {
	u, err := s.store.Get(ctx, userID)
	if err != nil {
		return "", ""
	}
	return u.Email, u.Name
}

// Lookup 返回 userID 的用户信息。
func (s *Service) Lookup(ctx context.Context, userID string) (*Profile, error) {
	u, err := s.store.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	return u.Profile(), nil
}
