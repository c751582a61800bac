package store

import _ "embed"

//go:embed sql/postgres.sql
var postgresSchema string

//go:embed sql/sqlite.sql
var sqliteSchema string
