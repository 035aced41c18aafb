package db

const (
	CreateMigrationsTable = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`

	InsertMigration = `INSERT INTO schema_migrations (version) VALUES (?)`

	GetAppliedMigrations = `
		SELECT version FROM schema_migrations ORDER BY version ASC
	`
)

const (
	InsertHistory = `
		INSERT INTO print_history (job_id, printer_name, status, error_message, attempts, label_height_mm, watermark, submitted_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	selectHistory = `
		SELECT id, job_id, printer_name, status, error_message, attempts, label_height_mm, watermark, submitted_at, completed_at
		FROM print_history
	`

	GetHistoryByID = selectHistory + ` WHERE id = ?`

	ListHistoryBefore = selectHistory + `
		WHERE completed_at < ? ORDER BY completed_at ASC, id ASC LIMIT ?
	`

	DeleteHistoryByID = `DELETE FROM print_history WHERE id = ?`

	CountHistory = `SELECT COUNT(*) FROM print_history`
)

const (
	UpsertPrintedCounter = `
		INSERT INTO print_counters (printer_name, date, printed, failed)
		VALUES (?, ?, 1, 0)
		ON CONFLICT(printer_name, date) DO UPDATE SET printed = printed + 1
	`

	UpsertFailedCounter = `
		INSERT INTO print_counters (printer_name, date, printed, failed)
		VALUES (?, ?, 0, 1)
		ON CONFLICT(printer_name, date) DO UPDATE SET failed = failed + 1
	`

	GetCountersByDateRange = `
		SELECT printer_name, date, printed, failed
		FROM print_counters WHERE date >= ? AND date <= ? ORDER BY date ASC, printer_name ASC
	`
)

const (
	InsertArchiveFile = `
		INSERT INTO archive_files (archive_file, entries, oldest_at, newest_at)
		VALUES (?, ?, ?, ?)
	`

	ListArchiveFiles = `
		SELECT id, archive_file, entries, oldest_at, newest_at, archived_at
		FROM archive_files ORDER BY archived_at DESC, id DESC LIMIT ? OFFSET ?
	`
)
