// Package migrations embeds the MySQL schema applied by golang-migrate.
package migrations

import "embed"

// Files 暴露所有 SQL 迁移文件，文件名遵循 {version}_{title}.{up|down}.sql。
//
//go:embed *.sql
var Files embed.FS
