package gormpersistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"wikirace-server/internal/domain"
	"wikirace-server/internal/repository"
)

// GormRoomMirror 是 repository.MirrorStore 的 GORM 实现，支持 MySQL 和 Postgres。
type GormRoomMirror struct {
	db  *gorm.DB
	ttl time.Duration
	now func() time.Time
}

// NewGormRoomMirror 创建 GormRoomMirror 实例
func NewGormRoomMirror(db *gorm.DB, ttl time.Duration) *GormRoomMirror {
	if db == nil {
		panic("database connection cannot be nil for GormRoomMirror")
	}
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &GormRoomMirror{db: db, ttl: ttl, now: time.Now}
}

// SaveRoom 在事务中按版本号写入快照。并发插入同一房间码时重试一次。
func (r *GormRoomMirror) SaveRoom(ctx context.Context, room *domain.Room) error {
	payload, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("gorm: marshal room %s: %w", room.Code, err)
	}
	row := RoomSnapshot{
		Code:        room.Code,
		Revision:    room.Revision,
		State:       string(room.State),
		PlayerCount: room.PlayerCount(),
		Payload:     payload,
		ExpiresAt:   r.now().Add(r.ttl),
	}

	for attempt := 0; attempt < 2; attempt++ {
		err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return r.upsert(tx, &row)
		})
		if !errors.Is(err, repository.ErrDuplicateEntry) {
			break
		}
	}
	if err != nil && !errors.Is(err, repository.ErrStaleRevision) {
		return fmt.Errorf("gorm: save room %s (revision %d): %w", room.Code, room.Revision, err)
	}
	return err
}

func (r *GormRoomMirror) upsert(tx *gorm.DB, row *RoomSnapshot) error {
	var existing RoomSnapshot
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("code = ?", row.Code).
		Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return mapDriverError(tx.Create(row).Error)
	}
	if err != nil {
		return err
	}
	if existing.Revision >= row.Revision {
		return repository.ErrStaleRevision
	}
	return tx.Model(&existing).Updates(map[string]interface{}{
		"revision":     row.Revision,
		"state":        row.State,
		"player_count": row.PlayerCount,
		"payload":      row.Payload,
		"expires_at":   row.ExpiresAt,
	}).Error
}

// DeleteRoom 删除房间快照
func (r *GormRoomMirror) DeleteRoom(ctx context.Context, roomCode string) error {
	err := r.db.WithContext(ctx).Where("code = ?", roomCode).Delete(&RoomSnapshot{}).Error
	if err != nil {
		return fmt.Errorf("gorm: delete room %s: %w", roomCode, err)
	}
	return nil
}

// LoadRoom 读取未过期的房间快照
func (r *GormRoomMirror) LoadRoom(ctx context.Context, roomCode string) (*domain.Room, error) {
	var row RoomSnapshot
	err := r.db.WithContext(ctx).
		Where("code = ? AND expires_at > ?", roomCode, r.now()).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("gorm: load room %s: %w", roomCode, err)
	}
	var room domain.Room
	if err := json.Unmarshal(row.Payload, &room); err != nil {
		return nil, fmt.Errorf("gorm: unmarshal room %s: %w", roomCode, err)
	}
	return &room, nil
}

// PurgeExpired 删除过期快照
func (r *GormRoomMirror) PurgeExpired(ctx context.Context) (int64, error) {
	result := r.db.WithContext(ctx).Where("expires_at <= ?", r.now()).Delete(&RoomSnapshot{})
	if result.Error != nil {
		return 0, fmt.Errorf("gorm: purge expired room snapshots: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		logrus.WithField("count", result.RowsAffected).Info("Purged expired room snapshots")
	}
	return result.RowsAffected, nil
}

// Stats 按状态统计镜像中的房间
func (r *GormRoomMirror) Stats(ctx context.Context) (map[string]interface{}, error) {
	var rows []struct {
		State string
		Count int64
	}
	err := r.db.WithContext(ctx).Model(&RoomSnapshot{}).
		Select("state, COUNT(*) AS count").
		Where("expires_at > ?", r.now()).
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("gorm: room snapshot stats: %w", err)
	}
	byState := make(map[string]int64, len(rows))
	var total int64
	for _, row := range rows {
		byState[row.State] = row.Count
		total += row.Count
	}
	return map[string]interface{}{
		"backend":        r.db.Dialector.Name(),
		"mirrored_rooms": total,
		"by_state":       byState,
	}, nil
}

// mapDriverError 把唯一约束冲突映射为 repository.ErrDuplicateEntry
func mapDriverError(err error) error {
	if err == nil {
		return nil
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
		return repository.ErrDuplicateEntry
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return repository.ErrDuplicateEntry
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return repository.ErrDuplicateEntry
	}
	return err
}
