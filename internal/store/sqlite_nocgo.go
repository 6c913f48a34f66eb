//go:build !cgo
// +build !cgo

package store

import (
	_ "modernc.org/sqlite"
)

const sqliteDriver = "sqlite"

const sqliteDSNParams = "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
