// Copyright (c) pacegate Authors.
// Licensed under the MIT License.

/*
Package migration 管理审计快照表 pacegate_snapshots 的 schema。

迁移 SQL 按方言内嵌在 migrations/{postgres,mysql,sqlite} 下，由
golang-migrate 执行；版本记录在 pacegate_schema_migrations 表。
sqlite 通过 glebarez/go-sqlite 注册的 "sqlite" 驱动打开，与
SQLStore 使用的 gorm 方言是同一实现，golang-migrate 的 sqlite3
包只负责版本表。

SQLStore 的 AutoMigrate 仅用于开发；生产环境应先执行
`pacegate migrate up`。
*/
package migration
