package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"OpenOps-Agent/pkg/logger"
)

// Service 负责 HTTP 端点的身份验证和授权。
type Service struct {
	mode   Mode
	tokens map[string]*Subject
	jwt    JWTOptions
	audit  *slog.Logger
}

// NewService 构造身份认证服务实例。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{
		mode:  mode,
		audit: logger.Audit(),
	}

	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeToken:
		if len(cfg.Tokens) == 0 {
			return nil, errors.New("token mode requires at least one api token")
		}
		svc.tokens = make(map[string]*Subject, len(cfg.Tokens))
		for _, tok := range cfg.Tokens {
			if strings.TrimSpace(tok.Token) == "" {
				return nil, fmt.Errorf("api token %q is empty", tok.Name)
			}
			key := digest(tok.Token)
			if _, dup := svc.tokens[key]; dup {
				return nil, fmt.Errorf("api token %q is configured twice", tok.Name)
			}
			subject := &Subject{Username: tok.Name, Permissions: tok.Permissions, Disabled: tok.Disabled}
			subject.normalise()
			svc.tokens[key] = subject
		}
	case ModeJWT:
		if strings.TrimSpace(cfg.JWT.Secret) == "" {
			return nil, errors.New("jwt secret must be configured")
		}
		svc.jwt = cfg.JWT
	default:
		return nil, fmt.Errorf("unsupported auth mode: %s", cfg.Mode)
	}
	return svc, nil
}

// Mode 返回当前身份认证服务的工作模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// AuthenticateRequest 验证传入请求的授权头，并返回相应的主体信息。
func (s *Service) AuthenticateRequest(_ context.Context, authorization string) (*Subject, error) {
	if s == nil || s.mode == ModeDisabled {
		return nil, ErrDisabled
	}
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, ErrMissingToken
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return nil, ErrMissingToken
	}
	switch s.mode {
	case ModeToken:
		subject, ok := s.tokens[digest(token)]
		if !ok {
			return nil, ErrInvalidToken
		}
		if subject.Disabled {
			return nil, ErrSubjectRevoked
		}
		return subject.Clone(), nil
	case ModeJWT:
		return s.verifyJWT(token)
	default:
		return nil, ErrDisabled
	}
}

type claims struct {
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

func (s *Service) verifyJWT(token string) (*Subject, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if s.jwt.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.jwt.Issuer))
	}
	if s.jwt.Audience != "" {
		opts = append(opts, jwt.WithAudience(s.jwt.Audience))
	}
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return []byte(s.jwt.Secret), nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(c.Subject) == "" {
		return nil, ErrInvalidToken
	}
	subject := &Subject{Username: c.Subject, Permissions: c.Permissions}
	subject.normalise()
	return subject, nil
}

// IssueJWT 为指定主体签发 HS256 令牌，仅在 jwt 模式下可用。
func (s *Service) IssueJWT(subject *Subject, ttl time.Duration) (string, error) {
	if s == nil || s.mode != ModeJWT {
		return "", ErrDisabled
	}
	if subject == nil || strings.TrimSpace(subject.Username) == "" {
		return "", ErrInvalidToken
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := time.Now()
	c := claims{
		Permissions: append([]string(nil), subject.Permissions...),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject.Username,
			Issuer:    s.jwt.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if s.jwt.Audience != "" {
		c.Audience = jwt.ClaimStrings{s.jwt.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(s.jwt.Secret))
}

func digest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
