package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strconv"
	"strings"
	"time"

	xerrors "DocFlow-Chain/internal/errors"
	"DocFlow-Chain/internal/session"

	"github.com/go-sql-driver/mysql"
)

// Config 描述 MySQL 连接参数。
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// SessionMirror 使用 MySQL 作为会话的持久镜像。镜像按 session_id
// 幂等写入，不承担权威状态，仅用于进程重启后的回源。
type SessionMirror struct {
	db *sql.DB
}

// NewSessionMirror 创建 MySQL 会话镜像。
func NewSessionMirror(ctx context.Context, cfg Config) (*SessionMirror, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	mirror := &SessionMirror{db: db}
	if err := mirror.runMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化会话镜像表失败")
	}
	return mirror, nil
}

// Upsert 以 session_id 为键幂等写入整条会话记录。
func (m *SessionMirror) Upsert(ctx context.Context, sess *session.Session) error {
	if sess == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "session 不能为空")
	}
	if strings.TrimSpace(sess.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}

	resultValue, err := marshalJSONColumn(sess.Result)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码会话 result 失败")
	}
	paramsValue, err := marshalJSONColumn(sess.Params)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码会话 params 失败")
	}
	traceValue, err := marshalJSONColumn(sess.Trace)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码会话 trace 失败")
	}

	const stmt = `INSERT INTO docflow_sessions
        (session_id, status, workflow_kind, workflow_handle, document_hash, record_id, user_id, access_type,
         client_ip, user_agent, storage_path, tx_hash, access_hash, document_id, result, params, trace,
         started_at, updated_at, completed_at, expires_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE
        status = VALUES(status),
        workflow_handle = VALUES(workflow_handle),
        storage_path = VALUES(storage_path),
        tx_hash = VALUES(tx_hash),
        access_hash = VALUES(access_hash),
        document_id = VALUES(document_id),
        result = VALUES(result),
        params = VALUES(params),
        trace = VALUES(trace),
        updated_at = VALUES(updated_at),
        completed_at = VALUES(completed_at),
        expires_at = VALUES(expires_at)`

	_, err = m.db.ExecContext(ctx, stmt,
		sess.ID,
		sess.Status,
		sess.WorkflowKind,
		sess.WorkflowHandle,
		sess.DocumentHash,
		sess.RecordID,
		sess.UserID,
		sess.AccessType,
		sess.ClientIP,
		sess.UserAgent,
		sess.StoragePath,
		sess.TxHash,
		sess.AccessHash,
		sess.DocumentID,
		resultValue,
		paramsValue,
		traceValue,
		sess.StartedAt,
		sess.UpdatedAt,
		sess.CompletedAt,
		sess.ExpiresAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) {
			return xerrors.Wrap(session.CodeSessionMirror, err, "写入会话镜像失败",
				xerrors.WithMetadata("mysql_errno", strconv.Itoa(int(mysqlErr.Number))))
		}
		return xerrors.Wrap(session.CodeSessionMirror, err, "写入会话镜像失败")
	}
	return nil
}

// Get 按 session_id 读取镜像记录。
func (m *SessionMirror) Get(ctx context.Context, id string) (*session.Session, error) {
	const stmt = `SELECT session_id, status, workflow_kind, workflow_handle, document_hash, record_id, user_id,
        access_type, client_ip, user_agent, storage_path, tx_hash, access_hash, document_id, result, params, trace,
        started_at, updated_at, completed_at, expires_at
        FROM docflow_sessions WHERE session_id = ?`

	row := m.db.QueryRowContext(ctx, stmt, id)

	var (
		sess      session.Session
		userAgent sql.NullString
		storage   sql.NullString
		result    sql.NullString
		params    sql.NullString
		trace     sql.NullString
	)
	err := row.Scan(
		&sess.ID,
		&sess.Status,
		&sess.WorkflowKind,
		&sess.WorkflowHandle,
		&sess.DocumentHash,
		&sess.RecordID,
		&sess.UserID,
		&sess.AccessType,
		&sess.ClientIP,
		&userAgent,
		&storage,
		&sess.TxHash,
		&sess.AccessHash,
		&sess.DocumentID,
		&result,
		&params,
		&trace,
		&sess.StartedAt,
		&sess.UpdatedAt,
		&sess.CompletedAt,
		&sess.ExpiresAt,
	)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, session.ErrSessionNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话镜像失败")
	}

	sess.UserAgent = userAgent.String
	sess.StoragePath = storage.String
	if result.Valid && result.String != "" {
		if err := json.Unmarshal([]byte(result.String), &sess.Result); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解码会话 result 失败")
		}
	}
	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &sess.Params); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解码会话 params 失败")
		}
	}
	if trace.Valid && trace.String != "" {
		if err := json.Unmarshal([]byte(trace.String), &sess.Trace); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解码会话 trace 失败")
		}
	}
	return &sess, nil
}

// Close 关闭数据库连接。
func (m *SessionMirror) Close() error {
	if m == nil || m.db == nil {
		return nil
	}
	return m.db.Close()
}

func marshalJSONColumn(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

var _ session.Mirror = (*SessionMirror)(nil)
