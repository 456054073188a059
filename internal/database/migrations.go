package database

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationLowercaseModuleTypes  = "2026-05-02_lowercase_module_types"
	migrationStripProviderPrefixes = "2026-06-11_strip_provider_prefixes"
)

// Tables carrying a module_type column.
var moduleTables = []string{"likes", "comments", "shares"}

// Tables and the user id columns inside them.
var userColumns = map[string][]string{
	"likes":         {"user_id"},
	"comments":      {"author_id"},
	"shares":        {"sender_id", "receiver_id"},
	"follows":       {"follower_id", "followee_id"},
	"user_profiles": {"user_id"},
}

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationLowercaseModuleTypes, apply: lowercaseModuleTypes},
		{name: migrationStripProviderPrefixes, apply: stripProviderPrefixes},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := db.Transaction(migration.apply); err != nil {
			return fmt.Errorf("migration %s: %w", migration.name, err)
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Early clients wrote "Post" and "Short"; lookups compare lowercase.
func lowercaseModuleTypes(db *gorm.DB) error {
	for _, table := range moduleTables {
		statement := fmt.Sprintf("UPDATE %s SET module_type = lower(trim(module_type)) WHERE module_type <> lower(trim(module_type));", table)
		if err := db.Exec(statement).Error; err != nil {
			return err
		}
	}
	return nil
}

func stripProviderPrefixes(db *gorm.DB) error {
	const prefix = "google:"
	start := len(prefix) + 1
	for table, columns := range userColumns {
		for _, column := range columns {
			statement := fmt.Sprintf("UPDATE OR IGNORE %s SET %s = substr(%s, %d) WHERE %s LIKE '%s%%';",
				table, column, column, start, column, prefix)
			if err := db.Exec(statement).Error; err != nil {
				return err
			}
		}
	}
	return nil
}
