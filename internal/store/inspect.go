package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hasbegun/eyed/internal/blobformat"
	"github.com/hasbegun/eyed/internal/wire"
)

// Only these tables can be inspected; everything else is rejected before any
// SQL is built.
var allowedTables = map[string]bool{
	"identities": true,
	"templates":  true,
	"match_log":  true,
}

var pkColumns = map[string]string{
	"identities": "identity_id",
	"templates":  "template_id",
	"match_log":  "log_id",
}

var orderColumns = map[string]string{
	"identities": "created_at DESC",
	"templates":  "enrolled_at DESC",
	"match_log":  "log_id DESC",
}

// AllowedTable reports whether the inspector may touch the table.
func AllowedTable(name string) bool { return allowedTables[name] }

// DescribeBlob summarizes a BYTEA value without shipping the blob: size,
// a 32-byte hex prefix, the sniffed format, and for HEv1 the per-ciphertext
// sizes.
func DescribeBlob(data []byte) wire.ByteaInfo {
	prefix := data
	if len(prefix) > 32 {
		prefix = prefix[:32]
	}
	format := blobformat.Sniff(data)
	info := wire.ByteaInfo{
		SizeBytes: len(data),
		PrefixHex: hex.EncodeToString(prefix),
		Format:    format.String(),
	}
	if format == blobformat.FormatHEv1 {
		if sizes, err := blobformat.HEv1Sizes(data); err == nil {
			count := len(sizes)
			info.HECiphertextCount = &count
			info.HEPerCtSizes = sizes
		}
	}
	return info
}

// ============================================================================
// SCHEMA & STATS
// ============================================================================

// Schema returns column, primary-key and foreign-key metadata for the
// allowed tables, with approximate row counts.
func (p *Postgres) Schema(ctx context.Context) (wire.DBSchemaResponse, error) {
	var resp wire.DBSchemaResponse
	tables := []string{"identities", "match_log", "templates"}

	cols := make(map[string][]wire.ColumnInfo)
	rows, err := p.db.QueryContext(ctx,
		`SELECT table_name, column_name, udt_name, is_nullable, column_default
		 FROM information_schema.columns
		 WHERE table_schema = 'public' AND table_name = ANY($1)
		 ORDER BY table_name, ordinal_position`, pq.Array(tables))
	if err != nil {
		return resp, fmt.Errorf("query columns: %w", err)
	}
	for rows.Next() {
		var table, column, udt, nullable string
		var def sql.NullString
		if err := rows.Scan(&table, &column, &udt, &nullable, &def); err != nil {
			rows.Close()
			return resp, err
		}
		cols[table] = append(cols[table], wire.ColumnInfo{
			Name:         column,
			DataType:     udt,
			Nullable:     nullable == "YES",
			DefaultValue: def.String,
		})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return resp, err
	}

	pks := make(map[string]map[string]bool)
	rows, err = p.db.QueryContext(ctx,
		`SELECT tc.table_name, kcu.column_name
		 FROM information_schema.table_constraints tc
		 JOIN information_schema.key_column_usage kcu
		   ON tc.constraint_name = kcu.constraint_name
		   AND tc.table_schema = kcu.table_schema
		 WHERE tc.table_schema = 'public'
		   AND tc.constraint_type = 'PRIMARY KEY'
		   AND tc.table_name = ANY($1)`, pq.Array(tables))
	if err != nil {
		return resp, fmt.Errorf("query primary keys: %w", err)
	}
	for rows.Next() {
		var table, column string
		if err := rows.Scan(&table, &column); err != nil {
			rows.Close()
			return resp, err
		}
		if pks[table] == nil {
			pks[table] = make(map[string]bool)
		}
		pks[table][column] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return resp, err
	}

	fks := make(map[string][]wire.ForeignKeyInfo)
	rows, err = p.db.QueryContext(ctx,
		`SELECT tc.table_name, kcu.column_name,
		        ccu.table_name AS referenced_table,
		        ccu.column_name AS referenced_column
		 FROM information_schema.table_constraints tc
		 JOIN information_schema.key_column_usage kcu
		   ON tc.constraint_name = kcu.constraint_name
		   AND tc.table_schema = kcu.table_schema
		 JOIN information_schema.constraint_column_usage ccu
		   ON tc.constraint_name = ccu.constraint_name
		   AND tc.table_schema = ccu.table_schema
		 WHERE tc.table_schema = 'public'
		   AND tc.constraint_type = 'FOREIGN KEY'
		   AND tc.table_name = ANY($1)`, pq.Array(tables))
	if err != nil {
		return resp, fmt.Errorf("query foreign keys: %w", err)
	}
	for rows.Next() {
		var table string
		var fk wire.ForeignKeyInfo
		if err := rows.Scan(&table, &fk.Column, &fk.ReferencedTable, &fk.ReferencedColumn); err != nil {
			rows.Close()
			return resp, err
		}
		fks[table] = append(fks[table], fk)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return resp, err
	}

	counts := make(map[string]int64)
	rows, err = p.db.QueryContext(ctx,
		`SELECT relname, n_live_tup::bigint
		 FROM pg_stat_user_tables
		 WHERE relname = ANY($1)`, pq.Array(tables))
	if err != nil {
		return resp, fmt.Errorf("query row counts: %w", err)
	}
	for rows.Next() {
		var table string
		var count int64
		if err := rows.Scan(&table, &count); err != nil {
			rows.Close()
			return resp, err
		}
		counts[table] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return resp, err
	}

	for _, table := range tables {
		schema := wire.TableSchema{
			TableName:   table,
			Columns:     cols[table],
			ForeignKeys: fks[table],
			RowCount:    counts[table],
		}
		if schema.ForeignKeys == nil {
			schema.ForeignKeys = []wire.ForeignKeyInfo{}
		}
		for i := range schema.Columns {
			schema.Columns[i].IsPrimaryKey = pks[table][schema.Columns[i].Name]
		}
		resp.Tables = append(resp.Tables, schema)
	}
	return resp, nil
}

// Stats returns the aggregate counts for the admin overview.
func (p *Postgres) Stats(ctx context.Context) (wire.DBStatsResponse, error) {
	var resp wire.DBStatsResponse
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM identities`).Scan(&resp.IdentitiesCount); err != nil {
		return resp, fmt.Errorf("count identities: %w", err)
	}
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM templates`).Scan(&resp.TemplatesCount); err != nil {
		return resp, fmt.Errorf("count templates: %w", err)
	}
	if err := p.db.QueryRowContext(ctx,
		`SELECT COALESCE(n_live_tup::bigint, 0) FROM pg_stat_user_tables WHERE relname = 'match_log'`).
		Scan(&resp.MatchLogCount); err != nil && err != sql.ErrNoRows {
		return resp, fmt.Errorf("count match_log: %w", err)
	}
	if err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM templates WHERE substring(iris_codes FROM 1 FOR 4) = $1`,
		blobformat.HEv1Magic).Scan(&resp.HETemplatesCount); err != nil {
		return resp, fmt.Errorf("count he templates: %w", err)
	}
	if err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM templates WHERE substring(iris_codes FROM 1 FOR 4) = $1`,
		[]byte(blobformat.NPZMagic)).Scan(&resp.NPZTemplatesCount); err != nil {
		return resp, fmt.Errorf("count npz templates: %w", err)
	}
	if err := p.db.QueryRowContext(ctx,
		`SELECT pg_database_size(current_database())`).Scan(&resp.DBSizeBytes); err != nil {
		return resp, fmt.Errorf("database size: %w", err)
	}
	return resp, nil
}

// ============================================================================
// ROW BROWSING
// ============================================================================

// TableRows returns a page of rows with BYTEA columns replaced by their
// ByteaInfo summary. Limit is clamped to 1..200.
func (p *Postgres) TableRows(ctx context.Context, table string, limit, offset int) (wire.DBRowsResponse, error) {
	var resp wire.DBRowsResponse
	if !AllowedTable(table) {
		return resp, fmt.Errorf("table %q not allowed", table)
	}
	if limit < 1 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}

	// Safe: table and order come from the allowlist maps.
	query := fmt.Sprintf(`SELECT * FROM %s ORDER BY %s LIMIT $1 OFFSET $2`,
		table, orderColumns[table])
	rows, err := p.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return resp, fmt.Errorf("query %s rows: %w", table, err)
	}
	defer rows.Close()

	columns, serialized, err := serializeRows(rows)
	if err != nil {
		return resp, err
	}

	var total int64
	if err := p.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)).Scan(&total); err != nil {
		return resp, fmt.Errorf("count %s: %w", table, err)
	}

	resp.Table = table
	resp.Columns = columns
	resp.Rows = serialized
	resp.Total = total
	resp.HasMore = int64(offset+limit) < total
	return resp, nil
}

// TableRow returns one row by primary key, with related FK rows attached
// (identity for a template, matched identity/template for a match_log row).
func (p *Postgres) TableRow(ctx context.Context, table, pk string) (wire.DBRowResponse, error) {
	var resp wire.DBRowResponse
	if !AllowedTable(table) {
		return resp, fmt.Errorf("table %q not allowed", table)
	}

	var key interface{}
	if table == "match_log" {
		id, err := strconv.ParseInt(pk, 10, 64)
		if err != nil {
			return resp, fmt.Errorf("match_log key must be an integer: %w", err)
		}
		key = id
	} else {
		id, err := uuid.Parse(pk)
		if err != nil {
			return resp, fmt.Errorf("bad uuid key: %w", err)
		}
		key = id
	}

	query := fmt.Sprintf(`SELECT * FROM %s WHERE %s = $1`, table, pkColumns[table])
	rows, err := p.db.QueryContext(ctx, query, key)
	if err != nil {
		return resp, fmt.Errorf("query %s row: %w", table, err)
	}
	_, serialized, err := serializeRows(rows)
	rows.Close()
	if err != nil {
		return resp, err
	}
	if len(serialized) == 0 {
		return resp, ErrNotFound
	}

	resp.Table = table
	resp.PK = pk
	resp.Row = serialized[0]
	resp.Related = p.relatedRows(ctx, table, resp.Row)
	return resp, nil
}

func (p *Postgres) relatedRows(ctx context.Context, table string, row map[string]interface{}) map[string]interface{} {
	related := make(map[string]interface{})
	switch table {
	case "templates":
		if iid, ok := row["identity_id"].(string); ok {
			if ident := p.relatedQuery(ctx,
				`SELECT identity_id, name, created_at FROM identities WHERE identity_id = $1`, iid); ident != nil {
				related["identity"] = ident
			}
		}
	case "match_log":
		if iid, ok := row["matched_identity_id"].(string); ok && iid != "" {
			if ident := p.relatedQuery(ctx,
				`SELECT identity_id, name FROM identities WHERE identity_id = $1`, iid); ident != nil {
				related["matched_identity"] = ident
			}
		}
		if tid, ok := row["matched_template_id"].(string); ok && tid != "" {
			if tpl := p.relatedQuery(ctx,
				`SELECT template_id, identity_id, eye_side, width, height, enrolled_at
				 FROM templates WHERE template_id = $1`, tid); tpl != nil {
				related["matched_template"] = tpl
			}
		}
	}
	if len(related) == 0 {
		return nil
	}
	return related
}

func (p *Postgres) relatedQuery(ctx context.Context, query, key string) map[string]interface{} {
	id, err := uuid.Parse(key)
	if err != nil {
		return nil
	}
	rows, err := p.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil
	}
	defer rows.Close()
	_, serialized, err := serializeRows(rows)
	if err != nil || len(serialized) == 0 {
		return nil
	}
	return serialized[0]
}

// serializeRows scans every row into JSON-safe maps. BYTEA columns become
// ByteaInfo summaries; timestamps become RFC3339; UUIDs become strings.
func serializeRows(rows *sql.Rows) ([]string, []map[string]interface{}, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, nil, err
	}

	out := []map[string]interface{}{}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}
		record := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			record[col] = jsonSafe(values[i], types[i].DatabaseTypeName())
		}
		out = append(out, record)
	}
	return columns, out, rows.Err()
}

func jsonSafe(v interface{}, dbType string) interface{} {
	switch val := v.(type) {
	case nil:
		return nil
	case []byte:
		if dbType == "BYTEA" {
			return DescribeBlob(val)
		}
		return string(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	default:
		return val
	}
}
