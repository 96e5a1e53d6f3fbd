package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

var (
	// ErrUserNotFound indicates the user does not exist, is inactive, belongs to an inactive
	// tenant, or belongs to a different tenant than the one asked for.
	ErrUserNotFound = errors.New("users: user not found or inactive")
	// ErrInvalidUser indicates provisioning input was incomplete.
	ErrInvalidUser = errors.New("users: invalid user")
)

const activeUserQuery = "users.id = ? AND users.is_active = ? AND tenants.is_active = ?"

// ServiceConfig describes the dependencies required for user lookups.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service resolves credential subjects and tenant-scoped users from the relational store.
type Service struct {
	db  *gorm.DB
	now func() time.Time
}

// NewService constructs the user service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:  cfg.Database,
		now: clock,
	}, nil
}

// FindActiveUser resolves a credential subject to an active user of an active tenant.
func (s *Service) FindActiveUser(ctx context.Context, userID int64) (User, error) {
	var user User
	err := s.activeUsers(ctx).
		Where(activeUserQuery, userID, true, true).
		Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// FindActiveUserInTenant resolves a user strictly within tenantID. A user id that exists
// only in another tenant is reported as ErrUserNotFound.
func (s *Service) FindActiveUserInTenant(ctx context.Context, userID, tenantID int64) (User, error) {
	if userID <= 0 || tenantID <= 0 {
		return User{}, ErrUserNotFound
	}
	var user User
	err := s.activeUsers(ctx).
		Where(activeUserQuery+" AND users.tenant_id = ?", userID, true, true, tenantID).
		Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// TouchLastSeen records when the user's last connection closed.
func (s *Service) TouchLastSeen(ctx context.Context, tenantID, userID int64, at time.Time) error {
	return s.db.WithContext(ctx).
		Model(&User{}).
		Where("id = ? AND tenant_id = ?", userID, tenantID).
		Update("last_seen_at", at.UTC()).Error
}

// CreateTenant provisions an active tenant.
func (s *Service) CreateTenant(ctx context.Context, name string) (Tenant, error) {
	tenant := Tenant{Name: normalize(name), IsActive: true}
	if tenant.Name == "" {
		return Tenant{}, fmt.Errorf("%w: tenant name required", ErrInvalidUser)
	}
	if err := s.db.WithContext(ctx).Create(&tenant).Error; err != nil {
		return Tenant{}, err
	}
	return tenant, nil
}

// CreateUser provisions an active user inside tenantID.
func (s *Service) CreateUser(ctx context.Context, user User) (User, error) {
	user.Username = normalize(user.Username)
	user.FirstName = normalize(user.FirstName)
	user.LastName = normalize(user.LastName)
	if user.TenantID <= 0 || user.Username == "" {
		return User{}, fmt.Errorf("%w: tenant and username required", ErrInvalidUser)
	}
	if user.Role == "" {
		user.Role = RoleUser
	}
	user.IsActive = true
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		return User{}, err
	}
	return user, nil
}

// SetActive toggles whether a user may authenticate and receive messages.
func (s *Service) SetActive(ctx context.Context, tenantID, userID int64, active bool) error {
	result := s.db.WithContext(ctx).
		Model(&User{}).
		Where("id = ? AND tenant_id = ?", userID, tenantID).
		Update("is_active", active)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *Service) activeUsers(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).
		Model(&User{}).
		Select("users.*").
		Joins("JOIN tenants ON tenants.id = users.tenant_id")
}
