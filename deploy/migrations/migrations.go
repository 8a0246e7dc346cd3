package migrations

import "embed"

// Files 暴露插件运行时的 SQL 迁移文件。
//
//go:embed *.sql
var Files embed.FS
