package db

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Dialect returns the gorm dialector for the backend. Only Postgres is
// supported because the permission check is a Postgres function.
func Dialect(cfg Config) (gorm.Dialector, error) {
	switch cfg.Type {
	case "postgres", "":
		return postgres.Open(fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
			cfg.Host,
			cfg.User,
			cfg.Password,
			cfg.Name,
			cfg.Port,
			cfg.SSLMode,
		)), nil
	default:
		return nil, fmt.Errorf("unsupported %s type", cfg.Type)
	}
}
