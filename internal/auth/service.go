package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"IntentMesh/pkg/logger"
)

// Service 校验控制面请求携带的 Bearer 令牌。
type Service struct {
	mode    Mode
	entries []tokenEntry
	audit   *slog.Logger
}

type tokenEntry struct {
	digest  [sha256.Size]byte
	subject Subject
}

// NewService 根据静态令牌列表构造认证服务，列表为空时关闭认证。
func NewService(tokens []TokenConfig) (*Service, error) {
	svc := &Service{mode: ModeDisabled, audit: logger.Audit()}
	seen := make(map[string]struct{}, len(tokens))
	for i, tc := range tokens {
		token := strings.TrimSpace(tc.Token)
		if token == "" {
			return nil, fmt.Errorf("auth token #%d is empty", i)
		}
		name := strings.TrimSpace(tc.Name)
		if name == "" {
			name = fmt.Sprintf("token-%d", i)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("duplicate auth token name %q", name)
		}
		seen[name] = struct{}{}
		svc.entries = append(svc.entries, tokenEntry{
			digest: sha256.Sum256([]byte(token)),
			subject: Subject{
				Name:        name,
				Permissions: append([]string(nil), tc.Permissions...),
				Disabled:    tc.Disabled,
			},
		})
	}
	if len(svc.entries) > 0 {
		svc.mode = ModeToken
	}
	return svc, nil
}

// Mode 返回当前认证模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// AuthenticateRequest 解析 Authorization 头并返回对应的 Subject。
func (s *Service) AuthenticateRequest(_ context.Context, header string) (*Subject, error) {
	if s == nil || s.mode == ModeDisabled {
		return nil, errors.New("authentication disabled")
	}
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return nil, ErrInvalidToken
	}
	digest := sha256.Sum256([]byte(strings.TrimSpace(token)))

	var match *tokenEntry
	for i := range s.entries {
		// 遍历全部条目，比较耗时与命中位置无关。
		if subtle.ConstantTimeCompare(digest[:], s.entries[i].digest[:]) == 1 {
			match = &s.entries[i]
		}
	}
	if match == nil {
		return nil, ErrInvalidToken
	}
	if match.subject.Disabled {
		return nil, ErrSubjectRevoked
	}
	subject := match.subject
	subject.Permissions = append([]string(nil), match.subject.Permissions...)
	subject.permissionsSet = nil
	subject.normalise()
	return &subject, nil
}
