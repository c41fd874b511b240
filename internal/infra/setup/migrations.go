package setup

import (
	"fmt"

	gormpersistence "wikirace-server/internal/infra/persistence/gorm"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// MigrateDB 迁移房间镜像表
func MigrateDB(db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("cannot migrate database with nil DB connection")
	}
	if err := db.AutoMigrate(&gormpersistence.RoomSnapshot{}); err != nil {
		logrus.WithError(err).Error("Failed to auto-migrate room_snapshots table")
		return fmt.Errorf("failed to migrate room_snapshots table: %w", err)
	}
	logrus.Info("Database migration completed successfully")
	return nil
}
