package db

// nowSQL is the SQL expression for the current time in TimeFormat.
const nowSQL = `(strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))`

// syncColumns is appended to every syncable table.
const syncColumns = `
		server_id TEXT,
		is_dirty INTEGER NOT NULL DEFAULT 1,
		revision INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL DEFAULT ` + nowSQL + `,
		updated_at TEXT NOT NULL DEFAULT ` + nowSQL + `,
		last_modified_at TEXT NOT NULL DEFAULT ` + nowSQL

var defaultDomains = []string{
	"Sciences",
	"Langues",
	"Sciences humaines",
	"Education physique",
	"Arts et culture",
}

const schemaSQL = `
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL DEFAULT ` + nowSQL + `
	);

	CREATE TABLE IF NOT EXISTS academic_years (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		start_date TEXT,
		end_date TEXT,
		is_active INTEGER NOT NULL DEFAULT 0,` + syncColumns + `
	);

	CREATE TABLE IF NOT EXISTS classes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		level TEXT NOT NULL,
		option TEXT,
		section TEXT,
		academic_year_id INTEGER REFERENCES academic_years(id) ON DELETE CASCADE,` + syncColumns + `
	);

	CREATE TABLE IF NOT EXISTS domains (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		display_order INTEGER NOT NULL DEFAULT 0,` + syncColumns + `
	);

	CREATE TABLE IF NOT EXISTS students (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		first_name TEXT NOT NULL,
		last_name TEXT NOT NULL,
		post_name TEXT,
		gender TEXT NOT NULL CHECK (gender IN ('M', 'F')),
		birth_date TEXT,
		birthplace TEXT,
		conduite TEXT,
		conduite_p1 TEXT,
		conduite_p2 TEXT,
		conduite_p3 TEXT,
		conduite_p4 TEXT,
		is_abandoned INTEGER NOT NULL DEFAULT 0,
		abandon_reason TEXT,
		class_id INTEGER NOT NULL REFERENCES classes(id) ON DELETE CASCADE,` + syncColumns + `,
		UNIQUE (first_name, last_name, class_id)
	);

	CREATE TABLE IF NOT EXISTS subjects (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		code TEXT NOT NULL DEFAULT '',
		max_p1 REAL NOT NULL DEFAULT 0,
		max_p2 REAL NOT NULL DEFAULT 0,
		max_exam1 REAL NOT NULL DEFAULT 0,
		max_p3 REAL NOT NULL DEFAULT 0,
		max_p4 REAL NOT NULL DEFAULT 0,
		max_exam2 REAL NOT NULL DEFAULT 0,
		category TEXT NOT NULL DEFAULT '',
		sub_domain TEXT,
		domain_id INTEGER REFERENCES domains(id) ON DELETE SET NULL,
		class_id INTEGER NOT NULL REFERENCES classes(id) ON DELETE CASCADE,` + syncColumns + `
	);

	CREATE TABLE IF NOT EXISTS grades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		student_id INTEGER NOT NULL REFERENCES students(id) ON DELETE CASCADE,
		subject_id INTEGER NOT NULL REFERENCES subjects(id) ON DELETE CASCADE,
		period TEXT NOT NULL,
		value REAL NOT NULL,` + syncColumns + `,
		UNIQUE (student_id, subject_id, period)
	);

	CREATE TABLE IF NOT EXISTS repechages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		student_id INTEGER NOT NULL REFERENCES students(id) ON DELETE CASCADE,
		subject_id INTEGER NOT NULL REFERENCES subjects(id) ON DELETE CASCADE,
		value REAL NOT NULL DEFAULT 0,
		percentage REAL NOT NULL DEFAULT 0,` + syncColumns + `,
		UNIQUE (student_id, subject_id)
	);

	CREATE TABLE IF NOT EXISTS notes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		target_type TEXT NOT NULL,
		target_id INTEGER,
		academic_year_id INTEGER REFERENCES academic_years(id) ON DELETE SET NULL,` + syncColumns + `
	);

	-- Tombstones for rows deleted after the remote learned about them
	CREATE TABLE IF NOT EXISTS sync_deletions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		table_name TEXT NOT NULL,
		server_id TEXT NOT NULL,
		local_id INTEGER NOT NULL,
		deleted_at TEXT NOT NULL DEFAULT ` + nowSQL + `,
		UNIQUE (table_name, server_id)
	);

	CREATE TABLE IF NOT EXISTS sync_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL DEFAULT ` + nowSQL + `,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		records_synced TEXT NOT NULL DEFAULT '{}',  -- JSON object
		error_message TEXT,
		duration_ms INTEGER NOT NULL DEFAULT 0
	);

	-- Pulled rows that failed to apply, retried on the next pull
	CREATE TABLE IF NOT EXISTS pull_rejects (
		table_name TEXT NOT NULL,
		local_id INTEGER NOT NULL,
		payload TEXT NOT NULL,  -- JSON record
		error TEXT NOT NULL,
		failed_at TEXT NOT NULL DEFAULT ` + nowSQL + `,
		PRIMARY KEY (table_name, local_id)
	);

	-- Holds a row only inside an uncommitted sync transaction
	CREATE TABLE IF NOT EXISTS capture_suspension (
		id INTEGER PRIMARY KEY CHECK (id = 1)
	);

	CREATE INDEX IF NOT EXISTS idx_classes_year ON classes(academic_year_id);
	CREATE INDEX IF NOT EXISTS idx_students_class ON students(class_id);
	CREATE INDEX IF NOT EXISTS idx_subjects_class ON subjects(class_id);
	CREATE INDEX IF NOT EXISTS idx_grades_subject ON grades(subject_id);
	CREATE INDEX IF NOT EXISTS idx_sync_history_timestamp ON sync_history(timestamp);
	`
