package deadletters

const deadLetterColumns = `queue, reason, message_id, body, attributes, delivery_count, enqueued_at, dead_lettered_at`

func CreateTableQuery(tableName string) string {
	return `CREATE TABLE IF NOT EXISTS ` + tableName + ` (
		queue LowCardinality(String),
		reason LowCardinality(String),
		message_id String,
		body String,
		attributes Map(String, String),
		delivery_count UInt32,
		enqueued_at DateTime64(3, 'UTC'),
		dead_lettered_at DateTime64(3, 'UTC')
	)
	ENGINE = MergeTree
	ORDER BY (queue, dead_lettered_at, message_id)`
}

func InsertQuery(tableName string) string {
	return `INSERT INTO ` + tableName + ` (` + deadLetterColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
}

func CountQuery(tableName string) string {
	return `SELECT count() FROM ` + tableName + ` WHERE queue = ?`
}
