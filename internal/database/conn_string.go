package database

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rickgao/hirestream/internal/config"
)

// ErrDisabled is returned when the database section is turned off.
var ErrDisabled = errors.New("database disabled")

// applicationName tags our sessions in pg_stat_activity.
const applicationName = "hirestream"

var valueEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

// ConnString renders cfg as a keyword/value DSN. Every value is quoted, so
// passwords may contain spaces, quotes or URL metacharacters unescaped.
// Zero port, ssl mode and schema fall back to the config defaults.
func ConnString(cfg config.DBConfig) string {
	port := cfg.Port
	if port == 0 {
		port = config.DefaultDBPort
	}
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = config.DefaultDBSSLMode
	}
	schema := cfg.Schema
	if schema == "" {
		schema = config.DefaultDBSchema
	}

	pairs := [][2]string{
		{"host", cfg.Host},
		{"port", strconv.Itoa(port)},
		{"dbname", cfg.Name},
		{"user", cfg.User},
		{"password", cfg.Password},
		{"sslmode", sslMode},
		{"application_name", applicationName},
		{"search_path", schema},
	}

	parts := make([]string, 0, len(pairs))
	for _, kv := range pairs {
		if kv[1] == "" {
			continue
		}
		parts = append(parts, kv[0]+"='"+valueEscaper.Replace(kv[1])+"'")
	}
	return strings.Join(parts, " ")
}

// PoolConfig builds the pgxpool configuration for the status journal.
func PoolConfig(cfg config.DBConfig) (*pgxpool.Config, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	poolCfg, err := pgxpool.ParseConfig(ConnString(cfg))
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = config.DefaultMaxConns
	}
	minConns := cfg.MinConns
	if minConns > maxConns {
		minConns = maxConns
	}
	poolCfg.MaxConns = int32(maxConns)
	poolCfg.MinConns = int32(minConns)

	return poolCfg, nil
}
