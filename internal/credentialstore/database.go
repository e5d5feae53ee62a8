package credentialstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/tyemirov/authpipe/pkg/authpipe"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("credential_store.unsupported_dialect")
	// ErrCorruptRecord indicates a persisted credential that cannot be decoded.
	ErrCorruptRecord = errors.New("credential_store.corrupt_record")

	errEmptyDatabaseURL    = errors.New("credential_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("credential_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("credential_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("credential_store.unsupported_no_scheme")
)

// OpenDatabase opens a GORM connection for a sqlite:// or postgres:// URL and reports the driver label.
func OpenDatabase(databaseURL string) (*gorm.DB, string, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, "", fmt.Errorf("credential_store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, "", err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, "", fmt.Errorf("credential_store.open.%s: %w", driverLabel, openErr)
	}
	return gormDB, driverLabel, nil
}

type credentialRecord struct {
	Namespace     string `gorm:"column:namespace;primaryKey"`
	AccessSecret  string `gorm:"column:access_secret;not null"`
	RefreshSecret string `gorm:"column:refresh_secret;not null"`
	Identity      string `gorm:"column:identity;not null;default:''"`
	ClaimsJSON    string `gorm:"column:claims_json;not null;default:'[]'"`
	UpdatedAtUnix int64  `gorm:"column:updated_at_unix;not null"`
}

func (credentialRecord) TableName() string {
	return "session_credentials"
}

// DatabaseCredentialPersister keeps one credential row per namespace using GORM.
type DatabaseCredentialPersister struct {
	db          *gorm.DB
	driverLabel string
}

// NewDatabaseCredentialPersister opens the database and migrates the credential table.
func NewDatabaseCredentialPersister(ctx context.Context, databaseURL string) (*DatabaseCredentialPersister, error) {
	gormDB, driverLabel, err := OpenDatabase(databaseURL)
	if err != nil {
		return nil, err
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&credentialRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("credential_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseCredentialPersister{db: gormDB, driverLabel: driverLabel}, nil
}

// Driver exposes the selected database driver label.
func (persister *DatabaseCredentialPersister) Driver() string {
	return persister.driverLabel
}

// Load returns the credential stored under the namespace.
func (persister *DatabaseCredentialPersister) Load(ctx context.Context, namespace string) (authpipe.Credential, bool, error) {
	var record credentialRecord
	err := persister.db.WithContext(ctx).Where("namespace = ?", namespace).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return authpipe.Credential{}, false, nil
	}
	if err != nil {
		return authpipe.Credential{}, false, fmt.Errorf("credential_store.load.%s: %w", persister.driverLabel, err)
	}
	var claims authpipe.ClaimSet
	if decodeErr := json.Unmarshal([]byte(record.ClaimsJSON), &claims); decodeErr != nil {
		return authpipe.Credential{}, false, fmt.Errorf("credential_store.load.%s: %w: %w", persister.driverLabel, ErrCorruptRecord, decodeErr)
	}
	credential, buildErr := authpipe.NewCredential(record.AccessSecret, record.RefreshSecret, record.Identity, claims)
	if buildErr != nil {
		return authpipe.Credential{}, false, fmt.Errorf("credential_store.load.%s: %w: %w", persister.driverLabel, ErrCorruptRecord, buildErr)
	}
	return credential, true, nil
}

// Save upserts the credential under the namespace.
func (persister *DatabaseCredentialPersister) Save(ctx context.Context, namespace string, credential authpipe.Credential) error {
	claimsJSON, err := json.Marshal(credential.Claims)
	if err != nil {
		return fmt.Errorf("credential_store.save.%s: %w", persister.driverLabel, err)
	}
	record := credentialRecord{
		Namespace:     namespace,
		AccessSecret:  credential.AccessSecret,
		RefreshSecret: credential.RefreshSecret,
		Identity:      credential.Identity,
		ClaimsJSON:    string(claimsJSON),
		UpdatedAtUnix: time.Now().UTC().Unix(),
	}
	upsert := clause.OnConflict{
		Columns:   []clause.Column{{Name: "namespace"}},
		DoUpdates: clause.AssignmentColumns([]string{"access_secret", "refresh_secret", "identity", "claims_json", "updated_at_unix"}),
	}
	if err := persister.db.WithContext(ctx).Clauses(upsert).Create(&record).Error; err != nil {
		return fmt.Errorf("credential_store.save.%s: %w", persister.driverLabel, err)
	}
	return nil
}

// Delete removes the namespace row. Deleting a missing row is not an error.
func (persister *DatabaseCredentialPersister) Delete(ctx context.Context, namespace string) error {
	if err := persister.db.WithContext(ctx).Where("namespace = ?", namespace).Delete(&credentialRecord{}).Error; err != nil {
		return fmt.Errorf("credential_store.delete.%s: %w", persister.driverLabel, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (persister *DatabaseCredentialPersister) Close() error {
	sqlDB, err := persister.db.DB()
	if err != nil {
		return fmt.Errorf("credential_store.close.%s: %w", persister.driverLabel, err)
	}
	return sqlDB.Close()
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("credential_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("credential_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("credential_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("credential_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
