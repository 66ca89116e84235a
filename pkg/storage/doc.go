// Package storage provides storage implementations for coordination state.
//
// This package includes:
//   - GormStorage: A GORM-based implementation supporting SQLite and PostgreSQL
//   - Open: A DSN-based helper selecting the right driver
//   - Connection pool configuration
//
// The Storage interface is defined in pkg/core and must be implemented
// by any custom storage backend.
//
// Most users should import the root package github.com/capstack/dealpipe
// which provides NewGormStorage() to create storage instances.
package storage
