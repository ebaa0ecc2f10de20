package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/atvirokodosprendimai/treeaudit/internal/core/domain"
	"github.com/atvirokodosprendimai/treeaudit/internal/core/ports"
)

var ErrUnauthorized = errors.New("unauthorized")

// Principal is the authenticated caller of an inbound request.
type Principal struct {
	InstanceID int64
	UserID     int64
	KeyName    string
}

type AuthService struct {
	repo  ports.APIKeyRepository
	store ports.Store
}

func NewAuthService(repo ports.APIKeyRepository, store ports.Store) *AuthService {
	return &AuthService{repo: repo, store: store}
}

func (s *AuthService) Authenticate(ctx context.Context, token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, ErrUnauthorized
	}

	apiKey, err := s.repo.FindByTokenHash(ctx, HashToken(token))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return Principal{}, ErrUnauthorized
		}
		return Principal{}, err
	}
	if !apiKey.Active {
		return Principal{}, ErrUnauthorized
	}
	return Principal{InstanceID: apiKey.InstanceID, UserID: apiKey.UserID, KeyName: apiKey.Name}, nil
}

// RegisterKey stores the hash of token for (instance, user). The plain
// token is never persisted.
func (s *AuthService) RegisterKey(ctx context.Context, instanceID, userID int64, name, token string) error {
	token = strings.TrimSpace(token)
	if len(token) < 16 {
		return domain.FieldError("token", "must be at least 16 characters")
	}
	if _, err := s.store.GetInstance(ctx, instanceID); err != nil {
		return err
	}
	err := s.store.Mutate(ctx, func(tx ports.MutationTx) error {
		return tx.UpsertAPIKey(domain.APIKey{
			TokenHash:  HashToken(token),
			InstanceID: instanceID,
			UserID:     userID,
			Name:       name,
			Active:     true,
		})
	})
	if err != nil {
		return fmt.Errorf("register api key %q: %w", name, err)
	}
	return nil
}

func HashToken(token string) string {
	digest := sha256.Sum256([]byte(token))
	return hex.EncodeToString(digest[:])
}
