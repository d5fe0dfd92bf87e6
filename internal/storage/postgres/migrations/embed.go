package migrations

import "embed"

// Files 按文件名升序执行的 SQL 迁移
//
//go:embed *.sql
var Files embed.FS
