// internal/storage/postgres/postgres.go
package postgres

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/fxswap/refuel/internal/storage"
	"github.com/fxswap/refuel/internal/storage/models"
)

// gormLogger routes GORM logs to zap.
type gormLogger struct {
	zapLogger *zap.Logger
	logLevel  logger.LogLevel
}

func newGormLogger(zapLogger *zap.Logger) logger.Interface {
	return &gormLogger{
		zapLogger: zapLogger,
		logLevel:  logger.Info,
	}
}

func (l *gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	newLogger := *l
	newLogger.logLevel = level
	return &newLogger
}

func (l *gormLogger) Info(_ context.Context, msg string, data ...interface{}) {
	if l.logLevel >= logger.Info {
		l.zapLogger.Sugar().Infof(msg, data...)
	}
}

func (l *gormLogger) Warn(_ context.Context, msg string, data ...interface{}) {
	if l.logLevel >= logger.Warn {
		l.zapLogger.Sugar().Warnf(msg, data...)
	}
}

func (l *gormLogger) Error(_ context.Context, msg string, data ...interface{}) {
	if l.logLevel >= logger.Error {
		l.zapLogger.Sugar().Errorf(msg, data...)
	}
}

func (l *gormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.logLevel <= logger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()

	fields := []zap.Field{
		zap.Duration("elapsed", elapsed),
		zap.String("sql", sql),
		zap.Int64("rows", rows),
	}

	if err != nil {
		l.zapLogger.Error("trace", append(fields, zap.Error(err))...)
		return
	}

	if l.logLevel >= logger.Info {
		l.zapLogger.Debug("trace", fields...)
	}
}

// postgresStorage implements storage.Storage on PostgreSQL.
type postgresStorage struct {
	db     *gorm.DB
	logger *zap.Logger
}

var _ storage.Storage = (*postgresStorage)(nil)

func NewStorage(dsn string, zapLogger *zap.Logger) (storage.Storage, error) {
	return open(postgres.Open(dsn), zapLogger)
}

func open(dialector gorm.Dialector, zapLogger *zap.Logger) (*postgresStorage, error) {
	gormLogger := newGormLogger(zapLogger.Named("gorm"))

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
		DisableForeignKeyConstraintWhenMigrating: true,
		SkipDefaultTransaction:                   true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return &postgresStorage{
		db:     db,
		logger: zapLogger,
	}, nil
}

// RunMigrations creates or updates the tables under an advisory lock.
func (p *postgresStorage) RunMigrations() error {
	var lockObtained bool
	err := p.db.Raw("SELECT pg_try_advisory_lock(?)", migrationLockID).Scan(&lockObtained).Error
	if err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	if !lockObtained {
		return fmt.Errorf("another migration is in progress")
	}
	defer p.db.Exec("SELECT pg_advisory_unlock(?)", migrationLockID)

	err = p.db.AutoMigrate(
		&models.Deployment{},
		&models.Refuel{},
		&models.FeeWithdrawal{},
	)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	p.logger.Info("Migrations applied")
	return nil
}

const migrationLockID = 7_301

func (p *postgresStorage) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (p *postgresStorage) SaveDeployment(ctx context.Context, d *models.Deployment) error {
	return p.db.WithContext(ctx).Create(d).Error
}

func (p *postgresStorage) GetDeployment(ctx context.Context, instance string) (*models.Deployment, error) {
	var d models.Deployment
	err := p.db.WithContext(ctx).Where("instance = ?", instance).First(&d).Error
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (p *postgresStorage) ListDeployments(ctx context.Context, factory string, limit, offset int) ([]*models.Deployment, error) {
	var out []*models.Deployment
	err := p.db.WithContext(ctx).
		Where("factory = ?", factory).
		Order("deployment_id asc").
		Limit(limit).
		Offset(offset).
		Find(&out).Error
	return out, err
}

func (p *postgresStorage) SaveRefuel(ctx context.Context, r *models.Refuel) error {
	return p.db.WithContext(ctx).Create(r).Error
}

func (p *postgresStorage) ListRefuels(ctx context.Context, instance string, limit, offset int) ([]*models.Refuel, error) {
	var out []*models.Refuel
	err := p.db.WithContext(ctx).
		Where("instance = ?", instance).
		Order("executed_at desc").
		Limit(limit).
		Offset(offset).
		Find(&out).Error
	return out, err
}

func (p *postgresStorage) SaveFeeWithdrawal(ctx context.Context, w *models.FeeWithdrawal) error {
	return p.db.WithContext(ctx).Create(w).Error
}
