// Package mysql provides the MySQL-backed durable mirror for workflow
// sessions. The mirror stores best-effort copies of the authoritative
// in-memory registry so sessions survive a process restart; schema
// changes are applied through embedded SQL migrations.
package mysql
