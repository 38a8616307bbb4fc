package migration

import (
	"strings"

	"github.com/smallbiznis/rastro/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, log *zap.Logger) error {
		dialect := strings.ToLower(conn.Dialector.Name())
		if dialect != db.TypePostgres {
			log.Info("migration.auto", zap.String("dialect", dialect))
			return AutoMigrate(conn)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		log.Info("migration.apply", zap.String("dialect", dialect))
		return RunMigrations(sqlDB)
	}),
)
