package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

// 共享变量名
const (
	VarCallerIdentity  = "usuarioAseguradoraCliente"
	VarHMACKey         = "llavehmaccliente"
	VarProcessedCursor = "anpr.processed_cursor"
)

// GlobalVariableRepository global_variables 表
type GlobalVariableRepository struct {
	db *DB
}

// NewGlobalVariableRepository 创建变量仓库
func NewGlobalVariableRepository(db *DB) *GlobalVariableRepository {
	return &GlobalVariableRepository{db: db}
}

// Get 读取变量，不存在时 ok 为 false
func (r *GlobalVariableRepository) Get(ctx context.Context, name string) (string, bool, error) {
	var value string
	err := r.db.Pool.QueryRow(ctx, `SELECT value FROM global_variables WHERE name = $1`, name).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get variable %s: %w", name, err)
	}
	return value, true, nil
}

// Set 写入变量
func (r *GlobalVariableRepository) Set(ctx context.Context, name, value string) error {
	query := `
		INSERT INTO global_variables (name, value, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
	`
	if _, err := r.db.Pool.Exec(ctx, query, name, value, time.Now()); err != nil {
		return fmt.Errorf("set variable %s: %w", name, err)
	}
	return nil
}

// MemoryVariables 未配置数据库时使用的内存变量存储
type MemoryVariables struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryVariables 创建内存变量存储，可带初始值
func NewMemoryVariables(initial map[string]string) *MemoryVariables {
	values := make(map[string]string, len(initial))
	for k, v := range initial {
		values[k] = v
	}
	return &MemoryVariables{values: values}
}

// Get 读取变量
func (m *MemoryVariables) Get(_ context.Context, name string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[name]
	return v, ok, nil
}

// Set 写入变量
func (m *MemoryVariables) Set(_ context.Context, name, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[name] = value
	return nil
}
