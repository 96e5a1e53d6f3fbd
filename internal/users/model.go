package users

import (
	"strings"
	"time"
)

// Role enumerates the roles a tenant member may hold.
type Role string

const (
	// RoleUser is a regular tenant member.
	RoleUser Role = "user"
	// RoleAdmin manages the tenant.
	RoleAdmin Role = "admin"
)

// Tenant is an isolated company. Every user belongs to exactly one tenant.
type Tenant struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Name      string    `gorm:"column:name;size:190;not null;uniqueIndex"`
	IsActive  bool      `gorm:"column:is_active;not null;default:true"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing tenants.
func (Tenant) TableName() string {
	return "tenants"
}

// User is a tenant member. Username is unique within its tenant only.
type User struct {
	ID         int64      `gorm:"column:id;primaryKey;autoIncrement"`
	TenantID   int64      `gorm:"column:tenant_id;not null;uniqueIndex:idx_users_tenant_username,priority:1;index"`
	Username   string     `gorm:"column:username;size:190;not null;uniqueIndex:idx_users_tenant_username,priority:2"`
	FirstName  string     `gorm:"column:first_name;size:190"`
	LastName   string     `gorm:"column:last_name;size:190"`
	Role       Role       `gorm:"column:role;size:32;not null;default:'user'"`
	IsActive   bool       `gorm:"column:is_active;not null;default:true"`
	LastSeenAt *time.Time `gorm:"column:last_seen_at"`
	CreatedAt  time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing users.
func (User) TableName() string {
	return "users"
}

// DisplayName joins first and last name, falling back to the username.
func (u User) DisplayName() string {
	name := strings.TrimSpace(strings.TrimSpace(u.FirstName) + " " + strings.TrimSpace(u.LastName))
	if name == "" {
		return u.Username
	}
	return name
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
