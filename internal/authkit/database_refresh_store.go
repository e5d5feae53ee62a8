package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/tyemirov/authpipe/internal/credentialstore"
)

// DatabaseRefreshTokenStore persists rotating refresh tokens using GORM.
type DatabaseRefreshTokenStore struct {
	db          *gorm.DB
	driverLabel string
}

// Driver exposes the selected database driver label.
func (store *DatabaseRefreshTokenStore) Driver() string {
	return store.driverLabel
}

type refreshTokenRecord struct {
	TokenID         string `gorm:"column:token_id;primaryKey"`
	UserID          string `gorm:"column:user_id;index;not null"`
	TokenHash       string `gorm:"column:token_hash;uniqueIndex;not null"`
	ExpiresUnix     int64  `gorm:"column:expires_unix;not null"`
	RevokedAtUnix   int64  `gorm:"column:revoked_at_unix;not null;default:0"`
	PreviousTokenID string `gorm:"column:previous_token_id;not null;default:''"`
	IssuedAtUnix    int64  `gorm:"column:issued_at_unix;not null"`
}

func (refreshTokenRecord) TableName() string {
	return "refresh_tokens"
}

// NewDatabaseRefreshTokenStore opens a sqlite:// or postgres:// database and migrates the token table.
func NewDatabaseRefreshTokenStore(ctx context.Context, databaseURL string) (*DatabaseRefreshTokenStore, error) {
	gormDB, driverLabel, err := credentialstore.OpenDatabase(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("refresh_store.open: %w", err)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&refreshTokenRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("refresh_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseRefreshTokenStore{
		db:          gormDB,
		driverLabel: driverLabel,
	}, nil
}

// Issue inserts a new refresh token record.
func (store *DatabaseRefreshTokenStore) Issue(ctx context.Context, userID string, expiresUnix int64) (RefreshGrant, error) {
	grant, err := issueRecord(store.db.WithContext(ctx), userID, expiresUnix, "")
	if err != nil {
		return RefreshGrant{}, fmt.Errorf("refresh_store.issue.%s: %w", store.driverLabel, err)
	}
	return grant, nil
}

// Rotate revokes the presented token and inserts its successor in one transaction.
func (store *DatabaseRefreshTokenStore) Rotate(ctx context.Context, tokenOpaque string, expiresUnix int64) (RefreshGrant, error) {
	var successor RefreshGrant
	err := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, findErr := findActiveRecord(tx, tokenOpaque)
		if findErr != nil {
			return findErr
		}
		result := tx.Model(&refreshTokenRecord{}).
			Where("token_id = ? AND revoked_at_unix = 0", record.TokenID).
			Update("revoked_at_unix", time.Now().UTC().Unix())
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrRefreshTokenRevoked
		}
		grant, issueErr := issueRecord(tx, record.UserID, expiresUnix, record.TokenID)
		if issueErr != nil {
			return issueErr
		}
		successor = grant
		return nil
	})
	if err != nil {
		return RefreshGrant{}, fmt.Errorf("refresh_store.rotate.%s: %w", store.driverLabel, err)
	}
	return successor, nil
}

// Revoke marks the presented token as revoked.
func (store *DatabaseRefreshTokenStore) Revoke(ctx context.Context, tokenOpaque string) error {
	if strings.TrimSpace(tokenOpaque) == "" {
		return fmt.Errorf("refresh_store.revoke.%s: %w", store.driverLabel, ErrRefreshTokenEmptyOpaque)
	}
	hashValue := hashOpaque(tokenOpaque)
	result := store.db.WithContext(ctx).Model(&refreshTokenRecord{}).
		Where("token_hash = ? AND revoked_at_unix = 0", hashValue).
		Update("revoked_at_unix", time.Now().UTC().Unix())
	if result.Error != nil {
		return fmt.Errorf("refresh_store.revoke.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}
	var record refreshTokenRecord
	findErr := store.db.WithContext(ctx).Where("token_hash = ?", hashValue).Take(&record).Error
	if errors.Is(findErr, gorm.ErrRecordNotFound) {
		return fmt.Errorf("refresh_store.revoke.%s: %w", store.driverLabel, ErrRefreshTokenNotFound)
	}
	if findErr != nil {
		return fmt.Errorf("refresh_store.revoke.%s: %w", store.driverLabel, findErr)
	}
	return fmt.Errorf("refresh_store.revoke.%s: %w", store.driverLabel, ErrRefreshTokenAlreadyRevoked)
}

func issueRecord(db *gorm.DB, userID string, expiresUnix int64, previousTokenID string) (RefreshGrant, error) {
	opaqueToken, hashValue, randomErr := generateRefreshOpaque()
	if randomErr != nil {
		return RefreshGrant{}, randomErr
	}
	record := refreshTokenRecord{
		TokenID:         newRefreshTokenID(),
		UserID:          userID,
		TokenHash:       hashValue,
		ExpiresUnix:     expiresUnix,
		PreviousTokenID: previousTokenID,
		IssuedAtUnix:    time.Now().UTC().Unix(),
	}
	if err := db.Create(&record).Error; err != nil {
		return RefreshGrant{}, err
	}
	return RefreshGrant{
		TokenID:     record.TokenID,
		UserID:      userID,
		Opaque:      opaqueToken,
		ExpiresUnix: expiresUnix,
	}, nil
}

func findActiveRecord(db *gorm.DB, tokenOpaque string) (refreshTokenRecord, error) {
	if strings.TrimSpace(tokenOpaque) == "" {
		return refreshTokenRecord{}, ErrRefreshTokenEmptyOpaque
	}
	var record refreshTokenRecord
	err := db.Where("token_hash = ?", hashOpaque(tokenOpaque)).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return refreshTokenRecord{}, ErrRefreshTokenNotFound
	}
	if err != nil {
		return refreshTokenRecord{}, err
	}
	if record.RevokedAtUnix != 0 {
		return refreshTokenRecord{}, ErrRefreshTokenRevoked
	}
	if time.Unix(record.ExpiresUnix, 0).Before(time.Now().UTC()) {
		return refreshTokenRecord{}, ErrRefreshTokenExpired
	}
	return record, nil
}

// Close releases the underlying connection pool.
func (store *DatabaseRefreshTokenStore) Close() error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
