package database

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// Init opens the database at path, enables WAL and runs migrations.
func Init(path string) error {
	db, err := Open(path)
	if err != nil {
		return err
	}
	DB = db
	return nil
}

// Open creates the parent directory, opens the sqlite file and migrates it.
func Open(path string) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "" && path != ":memory:" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	// sqlite has a single writer and ":memory:" databases are per connection.
	sqlDB.SetMaxOpenConns(1)
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate applies all schema migrations in order.
func Migrate(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID: "202609010001_vps_registry",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&VPSConfig{}, &VPSSite{}, &VPSLogEntry{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&VPSLogEntry{}, &VPSSite{}, &VPSConfig{})
			},
		},
		{
			ID: "202609010002_provision_jobs",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&ProvisionJob{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&ProvisionJob{})
			},
		},
		{
			ID: "202609010003_settings",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&Setting{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&Setting{})
			},
		},
	})
	if err := m.Migrate(); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

func GetSetting(db *gorm.DB, key string) (string, error) {
	var s Setting
	if err := db.Where("key = ?", key).First(&s).Error; err != nil {
		return "", err
	}
	return s.Value, nil
}

func SetSetting(db *gorm.DB, key, value string) error {
	return db.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}
