package repository

import (
	"context"
	"errors"

	"charaforge/internal/model"

	"gorm.io/gorm"
)

var ErrCredentialExists = errors.New("邮箱已注册")

type CredentialRepository struct {
	db *gorm.DB
}

func NewCredentialRepository(db *gorm.DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

// GetByEmail 不存在返回 nil, nil
func (r *CredentialRepository) GetByEmail(ctx context.Context, email string) (*model.UserCredential, error) {
	var cred model.UserCredential
	err := r.db.WithContext(ctx).Where("email = ?", email).First(&cred).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &cred, nil
}

func (r *CredentialRepository) Create(ctx context.Context, cred *model.UserCredential) error {
	err := r.db.WithContext(ctx).Create(cred).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrCredentialExists
	}
	return err
}
