package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atvirokodosprendimai/treeaudit/internal/core/domain"
)

type stubAPIKeyRepo struct {
	findFn func(ctx context.Context, tokenHash string) (domain.APIKey, error)
}

func (s *stubAPIKeyRepo) FindByTokenHash(ctx context.Context, tokenHash string) (domain.APIKey, error) {
	if s.findFn != nil {
		return s.findFn(ctx, tokenHash)
	}
	return domain.APIKey{}, domain.ErrNotFound
}

func TestAuthServiceAuthenticateSuccess(t *testing.T) {
	repo := &stubAPIKeyRepo{findFn: func(_ context.Context, tokenHash string) (domain.APIKey, error) {
		if tokenHash != HashToken("token-1") {
			t.Fatalf("unexpected token hash: %s", tokenHash)
		}
		return domain.APIKey{InstanceID: 1, UserID: 7, Name: "field-crew", Active: true, CreatedAt: time.Now()}, nil
	}}

	svc := NewAuthService(repo, nil)
	p, err := svc.Authenticate(context.Background(), "token-1")
	if err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	if p.InstanceID != 1 || p.UserID != 7 {
		t.Fatalf("unexpected principal: %+v", p)
	}
}

func TestAuthServiceAuthenticateUnauthorized(t *testing.T) {
	svc := NewAuthService(&stubAPIKeyRepo{}, nil)
	_, err := svc.Authenticate(context.Background(), "")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	_, err = svc.Authenticate(context.Background(), "unknown-token")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for unknown token, got %v", err)
	}
}

func TestAuthServiceRejectsInactiveKey(t *testing.T) {
	repo := &stubAPIKeyRepo{findFn: func(context.Context, string) (domain.APIKey, error) {
		return domain.APIKey{InstanceID: 1, UserID: 7, Active: false}, nil
	}}
	_, err := NewAuthService(repo, nil).Authenticate(context.Background(), "token-1")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}
