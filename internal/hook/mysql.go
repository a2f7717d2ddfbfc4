package hook

import (
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
)

const (
	mysqlSendQuery string = "insert into deliveries (id, occurred_at, mail_from, recipients, message_id, status, error_code, elapse_ms) values (?, ?, ?, ?, ?, ?, ?, ?)"
	mysqlBanQuery  string = "insert into bans (id, occurred_at, recipient, expiry) values (?, ?, ?, ?)"
)

// HookMysql writes the delivery ledger to a mysql database. The schema is
// expected to exist.
type HookMysql struct {
	// DSN is the mysql data source name.
	DSN string

	pool *sql.DB // Database connection pool.
}

func (h *HookMysql) Name() string {
	return "mysql"
}

func (h *HookMysql) conn() (*sql.DB, error) {
	if h.pool != nil {
		return h.pool, nil
	}

	if len(h.DSN) == 0 {
		return nil, fmt.Errorf("missing dsn for mysql hook")
	}

	var err error
	h.pool, err = sql.Open("mysql", h.DSN)
	if err != nil {
		return nil, fmt.Errorf("sql.Open error: %w", err)
	}

	return h.pool, nil
}

func (h *HookMysql) AfterInit() {
}

func (h *HookMysql) AfterSend(r *Record) {
	conn, err := h.conn()
	if err != nil {
		fmt.Printf("[%s] %s\n", h.Name(), err)
		return
	}

	_, err = conn.Exec(
		mysqlSendQuery,
		r.ID,
		r.OccurredAt.Format(TimeFormat),
		r.From,
		r.Recipients,
		r.MessageID,
		r.Status,
		r.ErrorCode,
		r.ElapseMs,
	)
	if err != nil {
		fmt.Printf("[%s] db exec error: %s\n", h.Name(), err)
	}
}

func (h *HookMysql) AfterBan(b *BanEvent) {
	conn, err := h.conn()
	if err != nil {
		fmt.Printf("[%s] %s\n", h.Name(), err)
		return
	}

	_, err = conn.Exec(
		mysqlBanQuery,
		GenID(),
		b.OccurredAt.Format(TimeFormat),
		b.Recipient,
		b.Expiry.Format(TimeFormat),
	)
	if err != nil {
		fmt.Printf("[%s] db exec error: %s\n", h.Name(), err)
	}
}
