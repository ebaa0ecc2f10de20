package sqlite

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/atvirokodosprendimai/treeaudit/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/treeaudit/internal/core/domain"
)

type APIKeyRepository struct {
	db *gormsqlite.DB
}

func NewAPIKeyRepository(db *gormsqlite.DB) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

func (r *APIKeyRepository) FindByTokenHash(ctx context.Context, tokenHash string) (domain.APIKey, error) {
	var model apiKeyModel
	err := r.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Where("token_hash = ?", tokenHash).First(&model).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.APIKey{}, domain.ErrNotFound
		}
		return domain.APIKey{}, fmt.Errorf("find api key: %w", err)
	}

	return domain.APIKey{
		TokenHash:  model.TokenHash,
		InstanceID: model.InstanceID,
		UserID:     model.UserID,
		Name:       model.Name,
		Active:     model.Active,
		CreatedAt:  model.CreatedAt,
	}, nil
}
