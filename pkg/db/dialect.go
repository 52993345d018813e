package db

import (
	"fmt"
	"strings"

	"github.com/smallbiznis/careledger/internal/config"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Dialect opens the configured database. The data layer relies on
// ON CONFLICT, FOR UPDATE SKIP LOCKED and LISTEN/NOTIFY, so postgres is the
// only supported type.
func Dialect(cfg config.Config) (gorm.Dialector, error) {
	switch t := strings.ToLower(strings.TrimSpace(cfg.DBType)); t {
	case "postgres", "postgresql", "":
		return postgres.Open(PostgresDSN(cfg)), nil
	default:
		return nil, fmt.Errorf("unsupported database type %q: careledger requires postgres", cfg.DBType)
	}
}

// PostgresDSN renders the keyword/value DSN shared by gorm and the pq listener.
func PostgresDSN(cfg config.Config) string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
		cfg.DBHost,
		cfg.DBUser,
		cfg.DBPassword,
		cfg.DBName,
		cfg.DBPort,
		cfg.DBSSLMode,
	)
}
