// Package mysql 提供基于 MySQL 的插件存储后端、插件配置来源与错误记录器。
// 表结构由 deploy/migrations 中嵌入的 SQL 文件维护，启动时按版本顺序执行。
package mysql
