package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewStore constructs a PostgreSQL store.
func NewStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Append inserts one entry.
func (s *PGStore) Append(ctx context.Context, entry *Entry) error {
	var detail []byte
	if entry.Detail != nil {
		var err error
		detail, err = json.Marshal(entry.Detail)
		if err != nil {
			return fmt.Errorf("audit: marshal detail: %w", err)
		}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_logs (
		   id, occurred_at, actor_user_id, actor_username, action,
		   resource_type, resource_id, namespace, success, ip, user_agent, request_id, detail
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		entry.ID, entry.OccurredAt,
		nullable(entry.ActorUserID), nullable(entry.ActorUsername), entry.Action,
		nullable(entry.ResourceType), nullable(entry.ResourceID), nullable(entry.Namespace),
		entry.Success, nullable(entry.IP), nullable(entry.UserAgent), nullable(entry.RequestID),
		detail,
	)
	return err
}

// List returns entries newest first, filtered and paginated.
func (s *PGStore) List(ctx context.Context, filter Filter) ([]Entry, error) {
	where := make([]string, 0, 3)
	params := make([]any, 0, 5)
	if filter.Namespace != "" {
		params = append(params, filter.Namespace)
		where = append(where, "namespace = $"+strconv.Itoa(len(params)))
	}
	if filter.ActorUserID != "" {
		params = append(params, filter.ActorUserID)
		where = append(where, "actor_user_id = $"+strconv.Itoa(len(params)))
	}
	if filter.Action != "" {
		params = append(params, filter.Action)
		where = append(where, "action = $"+strconv.Itoa(len(params)))
	}
	whereSQL := ""
	if len(where) > 0 {
		whereSQL = "WHERE " + strings.Join(where, " AND ")
	}
	params = append(params, filter.Limit)
	limitArg := "$" + strconv.Itoa(len(params))
	params = append(params, filter.Offset)
	offsetArg := "$" + strconv.Itoa(len(params))

	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT id, occurred_at, actor_user_id, actor_username, action, resource_type, resource_id,
		        namespace, success, ip, user_agent, request_id, detail
		 FROM audit_logs %s ORDER BY occurred_at DESC LIMIT %s OFFSET %s`,
		whereSQL, limitArg, offsetArg), params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			entry                                                        Entry
			actorID, actorName, resType, resID, namespace, ip, ua, reqID *string
			detail                                                       []byte
		)
		if err := rows.Scan(
			&entry.ID, &entry.OccurredAt, &actorID, &actorName, &entry.Action,
			&resType, &resID, &namespace, &entry.Success, &ip, &ua, &reqID, &detail,
		); err != nil {
			return nil, err
		}
		deref := func(p *string) string {
			if p == nil {
				return ""
			}
			return *p
		}
		entry.ActorUserID = deref(actorID)
		entry.ActorUsername = deref(actorName)
		entry.ResourceType = deref(resType)
		entry.ResourceID = deref(resID)
		entry.Namespace = deref(namespace)
		entry.IP = deref(ip)
		entry.UserAgent = deref(ua)
		entry.RequestID = deref(reqID)
		if len(detail) > 0 {
			_ = json.Unmarshal(detail, &entry.Detail)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

var _ Store = (*PGStore)(nil)
