package mysql

import (
	"errors"
	"fmt"
	"strings"

	"SafeTx-Relay/deploy/migrations"

	"github.com/golang-migrate/migrate/v4"
	// 注册 mysql:// 数据库驱动。
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// Source 返回内嵌 SQL 文件组成的迁移源。
func Source() (source.Driver, error) {
	src, err := iofs.New(migrations.Files, ".")
	if err != nil {
		return nil, fmt.Errorf("读取内嵌迁移文件失败: %w", err)
	}
	return src, nil
}

// MigrateUp 应用全部未执行的迁移，返回当前版本。
func MigrateUp(dsn string) (uint, error) {
	return run(dsn, func(m *migrate.Migrate) error { return m.Up() })
}

// MigrateDown 回滚全部迁移。
func MigrateDown(dsn string) (uint, error) {
	return run(dsn, func(m *migrate.Migrate) error { return m.Down() })
}

// MigrateForce 将迁移版本强制设为 version，用于修复失败迁移留下的 dirty 状态。
func MigrateForce(dsn string, version int) (uint, error) {
	return run(dsn, func(m *migrate.Migrate) error { return m.Force(version) })
}

func run(dsn string, step func(*migrate.Migrate) error) (uint, error) {
	if strings.TrimSpace(dsn) == "" {
		return 0, fmt.Errorf("MySQL DSN 不能为空")
	}
	src, err := Source()
	if err != nil {
		return 0, err
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, "mysql://"+dsn)
	if err != nil {
		return 0, fmt.Errorf("初始化迁移失败: %w", err)
	}
	defer m.Close()

	if err := step(m); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("执行迁移失败: %w", err)
	}
	version, _, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, fmt.Errorf("读取迁移版本失败: %w", err)
	}
	return version, nil
}
