package store

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"winedispense-backend/internal/apperr"
	"winedispense-backend/internal/model"
)

func (s *gormStore) CreateUser(ctx context.Context, u *model.User) error {
	u.Email = normalizeEmail(u.Email)
	if u.Email == "" {
		return apperr.New(apperr.CodeValidation, "email is required")
	}
	if u.RegistrationDate.IsZero() {
		u.RegistrationDate = s.now()
	}
	if u.Role == "" {
		u.Role = model.RoleUser
	}

	err := s.db.WithContext(ctx).Create(u).Error
	if isUniqueViolation(err) {
		return apperr.Newf(apperr.CodeConflict, "email %s is already registered", u.Email)
	}
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (s *gormStore) GetUser(ctx context.Context, id int64) (model.User, error) {
	var u model.User
	if err := s.db.WithContext(ctx).First(&u, id).Error; err != nil {
		return model.User{}, notFound(err, "user", id)
	}
	return u, nil
}

func (s *gormStore) GetUserByEmail(ctx context.Context, email string) (model.User, error) {
	var u model.User
	email = normalizeEmail(email)
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&u).Error; err != nil {
		return model.User{}, notFound(err, "user", email)
	}
	return u, nil
}

func (s *gormStore) ListUsers(ctx context.Context, filter UserFilter, page Page) ([]model.User, error) {
	page = page.normalize()
	q := s.db.WithContext(ctx).Model(&model.User{})
	switch filter {
	case UsersBlocked:
		q = q.Where("is_active = ?", false)
	case UsersUnblocked:
		q = q.Where("is_active = ?", true)
	case UsersUnverified:
		q = q.Where("is_verified = ?", false)
	case UsersAll, "":
	default:
		return nil, apperr.Newf(apperr.CodeValidation, "unknown user filter %q", filter)
	}

	var users []model.User
	if err := q.Order("id").Offset(page.Skip).Limit(page.Limit).Find(&users).Error; err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return users, nil
}

// MutateUser applies fn to a user and returns it before and after.
func (s *gormStore) MutateUser(ctx context.Context, id int64, fn func(*model.User) error) (model.User, model.User, error) {
	var before, after model.User
	err := s.withTx(ctx, "mutate_user", func(tx *gorm.DB) error {
		if err := tx.First(&before, id).Error; err != nil {
			return notFound(err, "user", id)
		}
		after = before
		if err := fn(&after); err != nil {
			return err
		}
		after.ID = id
		after.Email = normalizeEmail(after.Email)
		return tx.Save(&after).Error
	})
	if isUniqueViolation(err) {
		return model.User{}, model.User{}, apperr.Newf(apperr.CodeConflict, "email %s is already registered", after.Email)
	}
	return before, after, err
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
