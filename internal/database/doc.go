// Copyright (c) pacegate Authors.
// Licensed under the MIT License.

/*
Package database 提供基于 GORM 的数据库连接与连接池管理。

# 概述

Open 根据驱动名（postgres / mysql / sqlite / sqlite3）选择方言并建立连接；
PoolManager 负责连接池参数、后台健康检查与关闭。SQL 快照存储
（persistence.SQLStore）和迁移命令都通过本包获取连接。

# 核心类型

  - PoolManager：持有 gorm.DB 与底层 sql.DB，提供 DB()、Ping()、
    Healthy()、Stats()、Close()。
  - PoolConfig：最大空闲/打开连接数、连接生命周期与探活间隔。
  - PoolStats：连接池运行指标，诊断接口直接输出。
*/
package database
