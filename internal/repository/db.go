package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB 数据库连接池封装
type DB struct {
	Pool *pgxpool.Pool
}

// New 创建数据库连接
func New(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	// 连接池配置
	config.MaxConns = 10
	config.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	// 测试连接
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close 关闭连接池
func (db *DB) Close() {
	db.Pool.Close()
}

// Migrate 执行数据库迁移
func (db *DB) Migrate(ctx context.Context) error {
	migrations := []string{
		migrationCreateGlobalVariables,
		migrationCreateEnrichedVehicles,
		migrationAddAddressToEnrichedVehicles,
	}

	for _, m := range migrations {
		if _, err := db.Pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}

	return nil
}

// 数据库迁移 SQL

// global_variables 与配置/渲染服务共享的键值表
const migrationCreateGlobalVariables = `
CREATE TABLE IF NOT EXISTS global_variables (
    name VARCHAR(255) PRIMARY KEY,
    value TEXT NOT NULL DEFAULT '',
    updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
);
`

const migrationCreateEnrichedVehicles = `
CREATE TABLE IF NOT EXISTS enriched_vehicles (
    id BIGSERIAL PRIMARY KEY,
    plate VARCHAR(20) NOT NULL UNIQUE,
    event_ids TEXT[] NOT NULL DEFAULT '{}',
    device_id INT,
    event_date VARCHAR(64),
    latitude VARCHAR(32),
    longitude VARCHAR(32),
    speed INT DEFAULT 0,
    registry JSONB NOT NULL,
    queried_at TIMESTAMP WITH TIME ZONE NOT NULL,
    created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
    updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_enriched_vehicles_queried_at ON enriched_vehicles(queried_at);
`

// 逆地理编码结果
const migrationAddAddressToEnrichedVehicles = `
ALTER TABLE enriched_vehicles ADD COLUMN IF NOT EXISTS address JSONB;
`
