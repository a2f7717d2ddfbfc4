package hook

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const (
	sqliteSendQuery string = "insert into deliveries (id, occurred_at, mail_from, recipients, message_id, status, error_code, elapse_ms) values ($1, $2, $3, $4, $5, $6, $7, $8)"
	sqliteBanQuery  string = "insert into bans (id, occurred_at, recipient, expiry) values ($1, $2, $3, $4)"

	sqliteSendCreateTable string = `
	create table if not exists deliveries (
    id text primary key,
    occurred_at datetime default CURRENT_TIMESTAMP,
    mail_from text,
    recipients text,
    message_id text,
    status text,
    error_code text,
    elapse_ms integer
	)`
	sqliteBanCreateTable string = `
	create table if not exists bans (
    id text primary key,
    occurred_at datetime default CURRENT_TIMESTAMP,
    recipient text,
    expiry datetime
	)`
)

// HookSqlite writes the delivery ledger to a sqlite database.
type HookSqlite struct {
	// DSN is the sqlite data source name.
	DSN string

	pool *sql.DB // Database connection pool.
}

func (h *HookSqlite) Name() string {
	return "sqlite"
}

func (h *HookSqlite) conn() (*sql.DB, error) {
	if h.pool != nil {
		return h.pool, nil
	}

	if len(h.DSN) == 0 {
		return nil, fmt.Errorf("missing dsn for sqlite hook")
	}

	var err error
	h.pool, err = sql.Open("sqlite", h.DSN)
	if err != nil {
		return nil, fmt.Errorf("sql.Open error: %w", err)
	}

	return h.pool, nil
}

func (h *HookSqlite) AfterInit() {
	conn, err := h.conn()
	if err != nil {
		fmt.Printf("[%s] %s\n", h.Name(), err)
		return
	}

	_, err = conn.Exec(sqliteSendCreateTable)
	if err != nil {
		fmt.Printf("[%s] db exec error: %s\n", h.Name(), err)
	}

	_, err = conn.Exec(sqliteBanCreateTable)
	if err != nil {
		fmt.Printf("[%s] db exec error: %s\n", h.Name(), err)
	}
}

func (h *HookSqlite) AfterSend(r *Record) {
	conn, err := h.conn()
	if err != nil {
		fmt.Printf("[%s] %s\n", h.Name(), err)
		return
	}

	_, err = conn.Exec(
		sqliteSendQuery,
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

func (h *HookSqlite) AfterBan(b *BanEvent) {
	conn, err := h.conn()
	if err != nil {
		fmt.Printf("[%s] %s\n", h.Name(), err)
		return
	}

	_, err = conn.Exec(
		sqliteBanQuery,
		GenID(),
		b.OccurredAt.Format(TimeFormat),
		b.Recipient,
		b.Expiry.Format(TimeFormat),
	)
	if err != nil {
		fmt.Printf("[%s] db exec error: %s\n", h.Name(), err)
	}
}
