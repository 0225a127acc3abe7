package invocations

const invocationColumns = `batch_id, queue, message_ids, outcome, acked_ids, error, started_at, duration_ms`

// CreateTableQuery returns the CREATE TABLE query for the invocations table.
func CreateTableQuery(tableName string) string {
	return `CREATE TABLE IF NOT EXISTS ` + tableName + ` (
		batch_id String,
		queue LowCardinality(String),
		message_ids Array(String),
		outcome LowCardinality(String),
		acked_ids Array(String),
		error String,
		started_at DateTime64(3, 'UTC'),
		duration_ms UInt64
	)
	ENGINE = MergeTree
	PARTITION BY toYYYYMM(started_at)
	ORDER BY (queue, started_at, batch_id)`
}

// InsertQuery expects the values in invocationColumns order.
func InsertQuery(tableName string) string {
	return `INSERT INTO ` + tableName + ` (` + invocationColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
}

// CountQuery counts invocations of a queue with a given outcome.
func CountQuery(tableName string) string {
	return `SELECT count() FROM ` + tableName + ` WHERE queue = ? AND outcome = ?`
}
