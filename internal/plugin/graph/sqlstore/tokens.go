package sqlstore

import (
	"context"
	"strings"
	"time"

	"github.com/chirino/graph-memory-service/internal/faults"
	"github.com/chirino/graph-memory-service/internal/metrics"
	"github.com/chirino/graph-memory-service/internal/model"
	"github.com/google/uuid"
)

func (s *Store) CreateToken(ctx context.Context, token model.AccessToken) (*model.AccessToken, error) {
	defer metrics.ObserveStore(s.name, "CreateToken", time.Now())
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if token.Hash == "" {
		return nil, &faults.ValidationError{Field: "hash", Message: "must not be empty"}
	}
	if token.ClientName == "" {
		return nil, &faults.ValidationError{Field: "clientName", Message: "must not be empty"}
	}
	if token.ID == uuid.Nil {
		token.ID = uuid.New()
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now()
	}
	token.IsActive = true

	if err := s.db.WithContext(ctx).Create(&token).Error; err != nil {
		if isDuplicate(err) {
			return nil, &faults.ConflictError{Message: "token already exists"}
		}
		return nil, s.failure("create token", err)
	}
	return &token, nil
}

// GetTokenByHash looks a token up by its secret's sha256. Activity and
// expiry are the caller's checks; the store only answers identity.
func (s *Store) GetTokenByHash(ctx context.Context, hash string) (*model.AccessToken, error) {
	defer metrics.ObserveStore(s.name, "GetTokenByHash", time.Now())
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var token model.AccessToken
	result := s.db.WithContext(ctx).Where("hash = ?", hash).Limit(1).Find(&token)
	if result.Error != nil {
		return nil, s.failure("get token", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, &faults.NotFoundError{Resource: "token", ID: "by-hash"}
	}
	return &token, nil
}

func (s *Store) ListTokens(ctx context.Context) ([]model.AccessToken, error) {
	defer metrics.ObserveStore(s.name, "ListTokens", time.Now())
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var tokens []model.AccessToken
	if err := s.db.WithContext(ctx).Order("created_at ASC, id ASC").Find(&tokens).Error; err != nil {
		return nil, s.failure("list tokens", err)
	}
	return tokens, nil
}

// RevokeToken deactivates the token. Rows are never deleted so the audit
// trail survives revocation.
func (s *Store) RevokeToken(ctx context.Context, tokenID uuid.UUID) error {
	defer metrics.ObserveStore(s.name, "RevokeToken", time.Now())
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	result := s.db.WithContext(ctx).Model(&model.AccessToken{}).
		Where("id = ?", tokenID).
		Update("is_active", false)
	if result.Error != nil {
		return s.failure("revoke token", result.Error)
	}
	if result.RowsAffected == 0 {
		return &faults.NotFoundError{Resource: "token", ID: tokenID.String()}
	}
	return nil
}

func (s *Store) UpdateTokenMemories(ctx context.Context, tokenID uuid.UUID, memoryIDs []string) (*model.AccessToken, error) {
	defer metrics.ObserveStore(s.name, "UpdateTokenMemories", time.Now())
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	csv := strings.Join(memoryIDs, ",")
	result := s.db.WithContext(ctx).Model(&model.AccessToken{}).
		Where("id = ?", tokenID).
		Update("memory_ids", csv)
	if result.Error != nil {
		return nil, s.failure("update token memories", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, &faults.NotFoundError{Resource: "token", ID: tokenID.String()}
	}

	var token model.AccessToken
	if err := s.db.WithContext(ctx).Where("id = ?", tokenID).First(&token).Error; err != nil {
		return nil, s.failure("reload token", err)
	}
	return &token, nil
}
