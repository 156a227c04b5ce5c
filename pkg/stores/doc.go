// Package stores persists healing session reports and production
// deployments in SQLite. The schema is applied with embedded migrations.
package stores
