package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/langchou/anprgazer/internal/models"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("not found")

// VehicleRepository enriched_vehicles 表
type VehicleRepository struct {
	db *DB
}

// NewVehicleRepository 创建补全记录仓库
func NewVehicleRepository(db *DB) *VehicleRepository {
	return &VehicleRepository{db: db}
}

// Upsert 按车牌写入补全记录，已有记录时合并事件 ID
func (r *VehicleRepository) Upsert(ctx context.Context, v *models.EnrichedVehicle) error {
	query := `
		INSERT INTO enriched_vehicles (plate, event_ids, device_id, event_date, latitude, longitude, speed, address, registry, queried_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		ON CONFLICT (plate) DO UPDATE SET
			event_ids = (
				SELECT ARRAY(SELECT DISTINCT unnest(enriched_vehicles.event_ids || EXCLUDED.event_ids))
			),
			device_id = EXCLUDED.device_id,
			event_date = EXCLUDED.event_date,
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			speed = EXCLUDED.speed,
			address = COALESCE(EXCLUDED.address, enriched_vehicles.address),
			registry = EXCLUDED.registry,
			queried_at = EXCLUDED.queried_at,
			updated_at = EXCLUDED.updated_at
	`
	var address interface{}
	if v.Address != nil {
		address = *v.Address
	}

	_, err := r.db.Pool.Exec(ctx, query,
		v.Plate,
		v.EventIDs,
		v.DeviceID,
		v.Date,
		v.Latitude,
		v.Longitude,
		v.Speed,
		address,
		[]byte(v.Registry),
		v.QueriedAt,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("upsert enriched vehicle: %w", err)
	}
	return nil
}

// GetByPlate 按车牌获取
func (r *VehicleRepository) GetByPlate(ctx context.Context, plate string) (*models.EnrichedVehicle, error) {
	query := `
		SELECT plate, event_ids, COALESCE(device_id, 0), COALESCE(event_date, ''), COALESCE(latitude, ''), COALESCE(longitude, ''), COALESCE(speed, 0), address, registry, queried_at
		FROM enriched_vehicles WHERE plate = $1
	`
	v := &models.EnrichedVehicle{}
	var address *models.Address
	var registry []byte
	err := r.db.Pool.QueryRow(ctx, query, plate).Scan(
		&v.Plate,
		&v.EventIDs,
		&v.DeviceID,
		&v.Date,
		&v.Latitude,
		&v.Longitude,
		&v.Speed,
		&address,
		&registry,
		&v.QueriedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get enriched vehicle: %w", err)
	}
	v.Address = address
	v.Registry = registry
	return v, nil
}

// MemoryVehicles 内存补全记录存储
type MemoryVehicles struct {
	mu       sync.RWMutex
	vehicles map[string]*models.EnrichedVehicle
}

// NewMemoryVehicles 创建内存存储
func NewMemoryVehicles() *MemoryVehicles {
	return &MemoryVehicles{vehicles: make(map[string]*models.EnrichedVehicle)}
}

// Upsert 写入
func (m *MemoryVehicles) Upsert(_ context.Context, v *models.EnrichedVehicle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := *v
	if prev, ok := m.vehicles[v.Plate]; ok {
		stored.EventIDs = mergeIDs(prev.EventIDs, v.EventIDs)
		if stored.Address == nil {
			stored.Address = prev.Address
		}
	}
	m.vehicles[v.Plate] = &stored
	return nil
}

// GetByPlate 读取
func (m *MemoryVehicles) GetByPlate(_ context.Context, plate string) (*models.EnrichedVehicle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.vehicles[plate]
	if !ok {
		return nil, ErrNotFound
	}
	c := *v
	return &c, nil
}

// Len 记录数
func (m *MemoryVehicles) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.vehicles)
}

func mergeIDs(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, id := range a {
		seen[id] = struct{}{}
	}
	for _, id := range b {
		seen[id] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
