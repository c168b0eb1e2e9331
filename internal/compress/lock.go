// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package compress

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ScopeLock serializes compression per scope and level. Only one
// compression cycle may run for a given (scope, level) at a time;
// concurrent triggers back off instead of queueing.
type ScopeLock struct {
	ID        uint      `gorm:"primaryKey"`
	ScopeID   string    `gorm:"uniqueIndex:idx_scope_level;not null"`
	Level     string    `gorm:"uniqueIndex:idx_scope_level;not null"`
	Holder    string    `gorm:"not null"`
	ExpiresAt time.Time `gorm:"not null"`
	CreatedAt time.Time
}

// TableName sets the scope lock table name
func (ScopeLock) TableName() string {
	return "scope_locks"
}

// LockManager hands out TTL-bounded scope locks backed by the database,
// so locks survive process restarts and expire on their own
type LockManager struct {
	db  *gorm.DB
	ttl time.Duration
}

// NewLockManager creates a lock manager with the given lock TTL
func NewLockManager(db *gorm.DB, ttl time.Duration) *LockManager {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &LockManager{db: db, ttl: ttl}
}

// MigrateLocks creates the scope lock table
func MigrateLocks(db *gorm.DB) error {
	return db.AutoMigrate(&ScopeLock{})
}

// Acquire attempts to take the lock for a scope and level. It returns
// false without error when another holder has a live lock.
func (m *LockManager) Acquire(scopeID, level, holder string) (bool, error) {
	now := time.Now()

	// Expired locks are fair game for anyone
	if err := m.db.Where("scope_id = ? AND level = ? AND expires_at < ?", scopeID, level, now).
		Delete(&ScopeLock{}).Error; err != nil {
		return false, err
	}

	lock := ScopeLock{
		ScopeID:   scopeID,
		Level:     level,
		Holder:    holder,
		ExpiresAt: now.Add(m.ttl),
	}
	result := m.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "scope_id"}, {Name: "level"}},
		DoNothing: true,
	}).Create(&lock)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// Release drops the lock if this holder still owns it
func (m *LockManager) Release(scopeID, level, holder string) error {
	return m.db.Where("scope_id = ? AND level = ? AND holder = ?", scopeID, level, holder).
		Delete(&ScopeLock{}).Error
}
