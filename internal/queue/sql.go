package queue

import "strings"

// statements holds the canonical SQL for one engine configuration. It is a
// deterministic function of (table, dialect, handleLimit, respondLimit).
type statements struct {
	insertNew         string
	saveResponse      string
	markNotified      string
	deleteOne         string
	deleteAll         string
	claimNewBatch     string
	claimHandledBatch string
	relockNewByID     string
	relockHandledByID string
	selectNewIDs      string
	selectHandledIDs  string
	selectNotifiedIDs string
}

func buildStatements(table string, d Dialect, handleLimit, respondLimit int) statements {
	p := d.profile()
	m := p.markers

	return statements{
		insertNew: join(
			"INSERT INTO "+table+" (request_id, request) VALUES ("+m.marker(1)+", "+m.marker(2)+")",
			p.insertConflict,
		),
		saveResponse: "UPDATE " + table + " SET response_code = " + m.marker(1) +
			", response = " + m.marker(2) +
			" WHERE request_id = " + m.marker(3) + " AND response_code IS NULL",
		markNotified: "UPDATE " + table +
			" SET response_notification_timestamp = CURRENT_TIMESTAMP WHERE request_id = " + m.marker(1),
		deleteOne: "DELETE FROM " + table + " WHERE request_id = " + m.marker(1),
		deleteAll: "DELETE FROM " + table,
		claimNewBatch: join(
			"SELECT request_id, request FROM "+table+" WHERE response_code IS NULL",
			p.limit.clause(handleLimit),
			p.batchLock,
		),
		claimHandledBatch: join(
			"SELECT request_id, response_code, response FROM "+table+
				" WHERE response_code IS NOT NULL AND response_notification_timestamp IS NULL",
			p.limit.clause(respondLimit),
			p.batchLock,
		),
		relockNewByID: join(
			"SELECT request_id FROM "+table+" WHERE response_code IS NULL AND request_id = "+m.marker(1),
			p.rowLock,
		),
		relockHandledByID: join(
			"SELECT request_id FROM "+table+
				" WHERE response_code IS NOT NULL AND response_notification_timestamp IS NULL AND request_id = "+m.marker(1),
			p.rowLock,
		),
		selectNewIDs: "SELECT request_id FROM " + table + " WHERE response_code IS NULL",
		selectHandledIDs: "SELECT request_id FROM " + table +
			" WHERE response_code IS NOT NULL AND response_notification_timestamp IS NULL",
		selectNotifiedIDs: "SELECT request_id FROM " + table +
			" WHERE response_notification_timestamp IS NOT NULL",
	}
}

func join(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return strings.Join(out, " ")
}
