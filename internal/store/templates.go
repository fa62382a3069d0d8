package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hasbegun/eyed/internal/wire"
)

// TemplateRow is one stored template joined with its identity name.
type TemplateRow struct {
	TemplateID   uuid.UUID
	IdentityID   uuid.UUID
	IdentityName string
	EyeSide      string
	IrisCodes    []byte
	MaskCodes    []byte
	Width        int
	Height       int
	NScales      int
	QualityScore float64
	DeviceID     string
	Format       string
	EnrolledAt   time.Time
}

// enrollmentRow is a decoded wire.PendingEnrollment ready for insertion.
type enrollmentRow struct {
	templateID   uuid.UUID
	identityID   uuid.UUID
	identityName string
	eyeSide      string
	irisCodes    []byte
	maskCodes    []byte
	width        int
	height       int
	nScales      int
	qualityScore float64
	deviceID     string
	format       string
}

func decodeEnrollment(item wire.PendingEnrollment) (enrollmentRow, error) {
	var row enrollmentRow
	var err error
	if row.templateID, err = uuid.Parse(item.TemplateID); err != nil {
		return row, fmt.Errorf("%w: template_id %q: %v", ErrBadItem, item.TemplateID, err)
	}
	if row.identityID, err = uuid.Parse(item.IdentityID); err != nil {
		return row, fmt.Errorf("%w: identity_id %q: %v", ErrBadItem, item.IdentityID, err)
	}
	if row.irisCodes, err = base64.StdEncoding.DecodeString(item.IrisBlobB64); err != nil {
		return row, fmt.Errorf("%w: iris blob: %v", ErrBadItem, err)
	}
	if row.maskCodes, err = base64.StdEncoding.DecodeString(item.MaskBlobB64); err != nil {
		return row, fmt.Errorf("%w: mask blob: %v", ErrBadItem, err)
	}
	row.identityName = item.IdentityName
	row.eyeSide = item.EyeSide
	row.width = item.Width
	row.height = item.Height
	row.nScales = item.NScales
	row.qualityScore = item.QualityScore
	row.deviceID = item.DeviceID
	if row.deviceID == "" {
		row.deviceID = "bulk-enroll"
	}
	row.format = item.Format
	if row.format == "" {
		row.format = "npz"
	}
	return row, nil
}

// ============================================================================
// IDENTITY OPERATIONS
// ============================================================================

// UpsertIdentity inserts an identity or refreshes its name.
func (p *Postgres) UpsertIdentity(ctx context.Context, identityID uuid.UUID, name string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO identities (identity_id, name)
		 VALUES ($1, $2)
		 ON CONFLICT (identity_id) DO UPDATE SET name = EXCLUDED.name`,
		identityID, name)
	if err != nil {
		return fmt.Errorf("upsert identity: %w", err)
	}
	return nil
}

// DeleteIdentity removes an identity; templates cascade. Returns whether a
// row was actually deleted.
func (p *Postgres) DeleteIdentity(ctx context.Context, identityID uuid.UUID) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM identities WHERE identity_id = $1`, identityID)
	if err != nil {
		return false, fmt.Errorf("delete identity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListIdentities returns all enrolled identities grouped with their
// templates, oldest identity first.
func (p *Postgres) ListIdentities(ctx context.Context) ([]wire.GalleryIdentity, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT i.identity_id, i.name,
		        t.template_id, t.eye_side, t.quality_score, t.format, t.enrolled_at
		 FROM identities i
		 LEFT JOIN templates t ON i.identity_id = t.identity_id
		 ORDER BY i.created_at, t.enrolled_at`)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]*wire.GalleryIdentity)
	var order []string
	for rows.Next() {
		var (
			identityID uuid.UUID
			name       sql.NullString
			templateID sql.NullString
			eyeSide    sql.NullString
			quality    sql.NullFloat64
			format     sql.NullString
			enrolledAt sql.NullTime
		)
		if err := rows.Scan(&identityID, &name, &templateID, &eyeSide, &quality, &format, &enrolledAt); err != nil {
			return nil, fmt.Errorf("scan identity row: %w", err)
		}
		iid := identityID.String()
		entry, ok := byID[iid]
		if !ok {
			entry = &wire.GalleryIdentity{IdentityID: iid, Name: name.String, Templates: []wire.GalleryTemplate{}}
			byID[iid] = entry
			order = append(order, iid)
		}
		if templateID.Valid {
			tpl := wire.GalleryTemplate{
				TemplateID:   templateID.String,
				EyeSide:      eyeSide.String,
				QualityScore: quality.Float64,
				Format:       format.String,
			}
			if enrolledAt.Valid {
				tpl.EnrolledAt = enrolledAt.Time.UTC().Format(time.RFC3339)
			}
			entry.Templates = append(entry.Templates, tpl)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]wire.GalleryIdentity, 0, len(order))
	for _, iid := range order {
		out = append(out, *byID[iid])
	}
	return out, nil
}

// ============================================================================
// TEMPLATE OPERATIONS
// ============================================================================

// InsertEnrollment persists a single enrollment: identity upsert plus
// template insert in one transaction. Used by the cache's degraded path and
// by the drainer's poison isolation.
func (p *Postgres) InsertEnrollment(ctx context.Context, item wire.PendingEnrollment) error {
	return p.InsertEnrollments(ctx, []wire.PendingEnrollment{item})
}

// InsertEnrollments persists a batch in one transaction: a deduplicated
// multi-row identity upsert, then a multi-row template insert. Template
// inserts are idempotent via ON CONFLICT DO NOTHING, so redelivery after a
// crash cannot duplicate rows.
func (p *Postgres) InsertEnrollments(ctx context.Context, items []wire.PendingEnrollment) error {
	if len(items) == 0 {
		return nil
	}
	rows := make([]enrollmentRow, 0, len(items))
	for _, item := range items {
		row, err := decodeEnrollment(item)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin enrollment tx: %w", err)
	}
	defer tx.Rollback()

	if err := upsertIdentitiesTx(ctx, tx, rows); err != nil {
		return err
	}
	if err := insertTemplatesTx(ctx, tx, rows); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit enrollment tx: %w", err)
	}
	return nil
}

func upsertIdentitiesTx(ctx context.Context, tx *sql.Tx, rows []enrollmentRow) error {
	type ident struct {
		id   uuid.UUID
		name string
	}
	seen := make(map[uuid.UUID]ident)
	for _, r := range rows {
		seen[r.identityID] = ident{id: r.identityID, name: r.identityName}
	}
	idents := make([]ident, 0, len(seen))
	for _, v := range seen {
		idents = append(idents, v)
	}
	sort.Slice(idents, func(i, j int) bool {
		return idents[i].id.String() < idents[j].id.String()
	})

	var sb strings.Builder
	sb.WriteString(`INSERT INTO identities (identity_id, name) VALUES `)
	args := make([]interface{}, 0, len(idents)*2)
	for i, id := range idents {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "($%d, $%d)", i*2+1, i*2+2)
		args = append(args, id.id, id.name)
	}
	sb.WriteString(` ON CONFLICT (identity_id) DO UPDATE SET name = EXCLUDED.name`)

	if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("batch upsert identities: %w", err)
	}
	return nil
}

func insertTemplatesTx(ctx context.Context, tx *sql.Tx, rows []enrollmentRow) error {
	const cols = 11
	var sb strings.Builder
	sb.WriteString(`INSERT INTO templates
		(template_id, identity_id, eye_side, iris_codes, mask_codes,
		 width, height, n_scales, quality_score, device_id, format) VALUES `)
	args := make([]interface{}, 0, len(rows)*cols)
	for i, r := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for c := 0; c < cols; c++ {
			if c > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", i*cols+c+1)
		}
		sb.WriteString(")")
		args = append(args,
			r.templateID, r.identityID, r.eyeSide, r.irisCodes, r.maskCodes,
			r.width, r.height, r.nScales, r.qualityScore, r.deviceID, r.format)
	}
	sb.WriteString(` ON CONFLICT (template_id) DO NOTHING`)

	if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("batch insert templates: %w", err)
	}
	return nil
}

// LoadTemplates loads every template with its identity name for gallery
// initialization.
func (p *Postgres) LoadTemplates(ctx context.Context) ([]TemplateRow, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT t.template_id, t.identity_id, i.name, t.eye_side,
		        t.iris_codes, t.mask_codes, t.width, t.height, t.n_scales,
		        t.quality_score, t.device_id, t.format, t.enrolled_at
		 FROM templates t
		 JOIN identities i ON t.identity_id = i.identity_id`)
	if err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}
	defer rows.Close()

	var out []TemplateRow
	for rows.Next() {
		var r TemplateRow
		var name sql.NullString
		if err := rows.Scan(&r.TemplateID, &r.IdentityID, &name, &r.EyeSide,
			&r.IrisCodes, &r.MaskCodes, &r.Width, &r.Height, &r.NScales,
			&r.QualityScore, &r.DeviceID, &r.Format, &r.EnrolledAt); err != nil {
			return nil, fmt.Errorf("scan template row: %w", err)
		}
		r.IdentityName = name.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// LoadTemplate loads one template by id. Returns ErrNotFound when absent.
func (p *Postgres) LoadTemplate(ctx context.Context, templateID uuid.UUID) (*TemplateRow, error) {
	var r TemplateRow
	var name sql.NullString
	err := p.db.QueryRowContext(ctx,
		`SELECT t.template_id, t.identity_id, i.name, t.eye_side,
		        t.iris_codes, t.mask_codes, t.width, t.height, t.n_scales,
		        t.quality_score, t.device_id, t.format, t.enrolled_at
		 FROM templates t
		 JOIN identities i ON t.identity_id = i.identity_id
		 WHERE t.template_id = $1`, templateID).
		Scan(&r.TemplateID, &r.IdentityID, &name, &r.EyeSide,
			&r.IrisCodes, &r.MaskCodes, &r.Width, &r.Height, &r.NScales,
			&r.QualityScore, &r.DeviceID, &r.Format, &r.EnrolledAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load template: %w", err)
	}
	r.IdentityName = name.String
	return &r, nil
}
