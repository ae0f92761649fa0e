package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/matthewbub/wussup.chat-sub003/internal/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// Open connects to the database configured under cfg.Databases[dbType].
func Open(dbType string, cfg *config.Config) (*sql.DB, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config required")
	}
	dbCfg, ok := cfg.Databases[dbType]
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", dbType)
	}

	var (
		db  *sql.DB
		err error
	)

	switch normalizeDriver(dbType) {
	case "sqlite3":
		if dbCfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn must be provided")
		}
		db, err = sql.Open("sqlite3", sqliteDSN(dbCfg.DSN))
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		// every connection to :memory: is a separate database
		if strings.Contains(dbCfg.DSN, ":memory:") || strings.Contains(dbCfg.DSN, "mode=memory") {
			db.SetMaxOpenConns(1)
		}
	case "mysql":
		params := dbCfg.Params
		if params == "" {
			params = "parseTime=true&charset=utf8mb4&loc=UTC&clientFoundRows=true"
		}
		dsn := dbCfg.DSN
		if dsn == "" {
			dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
				dbCfg.Username,
				dbCfg.Password,
				dbCfg.Host,
				dbCfg.Port,
				dbCfg.DBName,
				params,
			)
		}
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", dbType)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// sqliteDSN turns on foreign keys and a busy timeout for every pooled connection.
func sqliteDSN(dsn string) string {
	var extra []string
	if !strings.Contains(dsn, "_foreign_keys") && !strings.Contains(dsn, "_fk") {
		extra = append(extra, "_foreign_keys=1")
	}
	if !strings.Contains(dsn, "_busy_timeout") {
		extra = append(extra, "_busy_timeout=5000")
	}
	if len(extra) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(extra, "&")
}

func normalizeDriver(driver string) string {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return "sqlite3"
	default:
		return strings.ToLower(driver)
	}
}

// Migrate ensures the required tables are present.
func Migrate(db *sql.DB, driver string) error {
	var stmts []string
	switch normalizeDriver(driver) {
	case "sqlite3":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS users (
				id TEXT PRIMARY KEY,
				tier TEXT NOT NULL DEFAULT 'free',
				daily_count INTEGER NOT NULL DEFAULT 0,
				day_key TEXT NOT NULL DEFAULT '',
				monthly_count INTEGER NOT NULL DEFAULT 0,
				month_key TEXT NOT NULL DEFAULT '',
				chat_context TEXT NOT NULL DEFAULT '',
				subscription_status TEXT NOT NULL DEFAULT '',
				subscription_period_end DATETIME,
				created_at DATETIME NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS sessions (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				name TEXT NOT NULL,
				pinned INTEGER NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL,
				FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
			)`,
			`CREATE TABLE IF NOT EXISTS messages (
				id TEXT PRIMARY KEY,
				session_id TEXT NOT NULL,
				user_id TEXT NOT NULL,
				role TEXT NOT NULL,
				content TEXT NOT NULL,
				model TEXT NOT NULL DEFAULT '',
				model_provider TEXT NOT NULL DEFAULT '',
				prompt_tokens INTEGER NOT NULL DEFAULT 0,
				completion_tokens INTEGER NOT NULL DEFAULT 0,
				response_group_id TEXT NOT NULL DEFAULT '',
				response_type TEXT NOT NULL DEFAULT '',
				parent_message_id TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'complete',
				created_at DATETIME NOT NULL,
				FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
			)`,
			`CREATE TABLE IF NOT EXISTS response_groups (
				id TEXT PRIMARY KEY,
				session_id TEXT NOT NULL,
				user_id TEXT NOT NULL,
				preferred_message_id TEXT,
				version INTEGER NOT NULL DEFAULT 0,
				updated_at DATETIME NOT NULL,
				FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
			)`,
			`CREATE TABLE IF NOT EXISTS provider_keys (
				user_id TEXT NOT NULL,
				provider TEXT NOT NULL,
				sealed_key TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				PRIMARY KEY (user_id, provider),
				FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, updated_at DESC)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_group ON messages(response_group_id)`,
			`CREATE INDEX IF NOT EXISTS idx_users_subscription ON users(subscription_status, subscription_period_end)`,
		}
	case "mysql":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS users (
				id VARCHAR(191) NOT NULL,
				tier VARCHAR(16) NOT NULL DEFAULT 'free',
				daily_count INT NOT NULL DEFAULT 0,
				day_key VARCHAR(10) NOT NULL DEFAULT '',
				monthly_count INT NOT NULL DEFAULT 0,
				month_key VARCHAR(7) NOT NULL DEFAULT '',
				chat_context TEXT NOT NULL,
				subscription_status VARCHAR(32) NOT NULL DEFAULT '',
				subscription_period_end DATETIME(6) NULL,
				created_at DATETIME(6) NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_users_subscription (subscription_status, subscription_period_end)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS sessions (
				id VARCHAR(191) NOT NULL,
				user_id VARCHAR(191) NOT NULL,
				name VARCHAR(255) NOT NULL,
				pinned TINYINT(1) NOT NULL DEFAULT 0,
				created_at DATETIME(6) NOT NULL,
				updated_at DATETIME(6) NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_sessions_user (user_id, updated_at),
				CONSTRAINT fk_sessions_user FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS messages (
				id VARCHAR(191) NOT NULL,
				session_id VARCHAR(191) NOT NULL,
				user_id VARCHAR(191) NOT NULL,
				role VARCHAR(16) NOT NULL,
				content MEDIUMTEXT NOT NULL,
				model VARCHAR(128) NOT NULL DEFAULT '',
				model_provider VARCHAR(32) NOT NULL DEFAULT '',
				prompt_tokens INT NOT NULL DEFAULT 0,
				completion_tokens INT NOT NULL DEFAULT 0,
				response_group_id VARCHAR(191) NOT NULL DEFAULT '',
				response_type VARCHAR(8) NOT NULL DEFAULT '',
				parent_message_id VARCHAR(191) NOT NULL DEFAULT '',
				status VARCHAR(16) NOT NULL DEFAULT 'complete',
				created_at DATETIME(6) NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_messages_session (session_id, created_at),
				INDEX idx_messages_group (response_group_id),
				CONSTRAINT fk_messages_session FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS response_groups (
				id VARCHAR(191) NOT NULL,
				session_id VARCHAR(191) NOT NULL,
				user_id VARCHAR(191) NOT NULL,
				preferred_message_id VARCHAR(191) NULL,
				version BIGINT NOT NULL DEFAULT 0,
				updated_at DATETIME(6) NOT NULL,
				PRIMARY KEY (id),
				CONSTRAINT fk_groups_session FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS provider_keys (
				user_id VARCHAR(191) NOT NULL,
				provider VARCHAR(32) NOT NULL,
				sealed_key TEXT NOT NULL,
				created_at DATETIME(6) NOT NULL,
				PRIMARY KEY (user_id, provider),
				CONSTRAINT fk_keys_user FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	default:
		return fmt.Errorf("unsupported driver for migration: %s", driver)
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate (%s): %w", driver, err)
		}
	}
	return nil
}
