package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/moltsocial/quorum/records"
	"github.com/moltsocial/quorum/syntax"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type RecordRow struct {
	URI          string     `gorm:"primaryKey"`
	Owner        string     `gorm:"not null;index"`
	Collection   string     `gorm:"not null;index:idx_records_coll_subject;index:idx_records_coll_context"`
	RKey         string     `gorm:"not null"`
	CID          string     `gorm:"not null"`
	SubjectDID   string     `gorm:"index:idx_records_coll_subject"`
	Context      string     `gorm:"index:idx_records_coll_context"`
	CreatedAt    time.Time  `gorm:"not null;autoCreateTime:false"`
	ReceivedAt   time.Time  `gorm:"not null"`
	Deleted      bool       `gorm:"not null;default:false"`
	TombstonedAt *time.Time
	Payload      []byte `gorm:"not null"`
}

func (RecordRow) TableName() string { return "records" }

type RecordRefRow struct {
	ID         uint   `gorm:"primaryKey"`
	RecordURI  string `gorm:"not null;index"`
	Collection string `gorm:"not null"`
	Field      string `gorm:"not null"`
	Target     string `gorm:"not null;index"`
}

func (RecordRefRow) TableName() string { return "record_refs" }

type ProjectionRow struct {
	Kind       string     `gorm:"primaryKey"`
	Key        string     `gorm:"primaryKey;column:subject_key"`
	Version    time.Time  `gorm:"not null"`
	ComputedAt time.Time  `gorm:"not null"`
	DueAt      *time.Time `gorm:"index"`
	Data       []byte
}

func (ProjectionRow) TableName() string { return "projections" }

type DeadLetterRow struct {
	ID         uint   `gorm:"primaryKey"`
	URI        string `gorm:"not null;index"`
	Collection string
	Reason     string
	Missing    string
	Payload    []byte
	CreatedAt  time.Time `gorm:"autoCreateTime:false"`
	ReceivedAt time.Time
	Attempts   int
	DeadAt     time.Time `gorm:"index"`
}

func (DeadLetterRow) TableName() string { return "dead_letters" }

type CursorRow struct {
	Name string `gorm:"primaryKey"`
	Seq  int64
}

func (CursorRow) TableName() string { return "cursors" }

// Store backed by a relational database (sqlite or postgres) through gorm.
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

// Wraps an open database handle, running schema migrations.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&RecordRow{}, &RecordRefRow{}, &ProjectionRow{}, &DeadLetterRow{}, &CursorRow{}); err != nil {
		return nil, fmt.Errorf("migrating record store: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) PutRecord(ctx context.Context, env *records.Envelope) (bool, error) {
	payload, err := records.Encode(env.Record)
	if err != nil {
		return false, err
	}
	ik := extractKeys(env.Record)
	row := RecordRow{
		URI:          env.Ref.Key(),
		Owner:        env.Ref.Owner.String(),
		Collection:   env.Ref.Collection.String(),
		RKey:         env.Ref.RKey,
		CID:          env.Ref.CID,
		SubjectDID:   ik.SubjectDID.String(),
		Context:      ik.Context,
		CreatedAt:    env.CreatedAt.UTC(),
		ReceivedAt:   env.ReceivedAt.UTC(),
		Deleted:      env.Deleted,
		TombstonedAt: env.DeletedAt,
		Payload:      payload,
	}

	created := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prev RecordRow
		res := tx.Where("uri = ?", row.URI).Limit(1).Find(&prev)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			if prev.CID != row.CID {
				return ErrRecordMutated
			}
			return nil
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		for _, e := range ik.Edges {
			ref := RecordRefRow{
				RecordURI:  row.URI,
				Collection: row.Collection,
				Field:      e.Field,
				Target:     e.Target.Key(),
			}
			if err := tx.Create(&ref).Error; err != nil {
				return err
			}
		}
		created = true
		return nil
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// lost a race with a concurrent insert of the same reference; compare against the winner
		prev, gerr := s.GetRecord(ctx, env.Ref)
		if gerr != nil {
			return false, gerr
		}
		if prev.Ref.CID != env.Ref.CID {
			return false, ErrRecordMutated
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return created, nil
}

func (s *GormStore) envelopeFromRow(row *RecordRow) (*records.Envelope, error) {
	ref, err := syntax.ParseRef(row.URI)
	if err != nil {
		return nil, fmt.Errorf("stored record has invalid reference %s: %w", row.URI, err)
	}
	ref.CID = row.CID
	rec, err := records.Decode(ref.Collection, row.Payload)
	if err != nil {
		return nil, fmt.Errorf("stored record %s: %w", row.URI, err)
	}
	return &records.Envelope{
		Ref:        ref,
		CreatedAt:  row.CreatedAt.UTC(),
		ReceivedAt: row.ReceivedAt.UTC(),
		Deleted:    row.Deleted,
		DeletedAt:  row.TombstonedAt,
		Record:     rec,
	}, nil
}

func (s *GormStore) envelopesFromRows(rows []RecordRow) ([]*records.Envelope, error) {
	out := make([]*records.Envelope, 0, len(rows))
	for i := range rows {
		env, err := s.envelopeFromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	SortCausal(out)
	return out, nil
}

func (s *GormStore) GetRecord(ctx context.Context, ref syntax.Ref) (*records.Envelope, error) {
	var row RecordRow
	res := s.db.WithContext(ctx).Where("uri = ?", ref.Key()).Limit(1).Find(&row)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return s.envelopeFromRow(&row)
}

func (s *GormStore) MarkDeleted(ctx context.Context, ref syntax.Ref, at time.Time) error {
	at = at.UTC()
	res := s.db.WithContext(ctx).Model(&RecordRow{}).
		Where("uri = ? AND deleted = ?", ref.Key(), false).
		Updates(map[string]any{"deleted": true, "tombstoned_at": at})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetRecord(ctx, ref); err != nil {
			return err
		}
	}
	return nil
}

func (s *GormStore) ListReferencing(ctx context.Context, target syntax.Ref, coll syntax.Collection, field string) ([]*records.Envelope, error) {
	sub := s.db.Model(&RecordRefRow{}).Select("record_uri").Where("target = ? AND collection = ?", target.Key(), coll.String())
	if field != "" {
		sub = sub.Where("field = ?", field)
	}
	var rows []RecordRow
	if err := s.db.WithContext(ctx).Where("uri IN (?)", sub).Find(&rows).Error; err != nil {
		return nil, err
	}
	return s.envelopesFromRows(rows)
}

func (s *GormStore) ListAboutActor(ctx context.Context, coll syntax.Collection, did syntax.DID, contextID string) ([]*records.Envelope, error) {
	q := s.db.WithContext(ctx).Where("collection = ? AND subject_did = ?", coll.String(), did.String())
	if contextID != "" {
		q = q.Where("context = ?", contextID)
	}
	var rows []RecordRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return s.envelopesFromRows(rows)
}

func (s *GormStore) ListByContext(ctx context.Context, coll syntax.Collection, contextID string) ([]*records.Envelope, error) {
	var rows []RecordRow
	if err := s.db.WithContext(ctx).Where("collection = ? AND context = ?", coll.String(), contextID).Find(&rows).Error; err != nil {
		return nil, err
	}
	return s.envelopesFromRows(rows)
}

func (s *GormStore) PutProjection(ctx context.Context, p *Projection) error {
	row := ProjectionRow{
		Kind:       p.Kind,
		Key:        p.Key,
		Version:    p.Version.UTC(),
		ComputedAt: p.ComputedAt.UTC(),
		Data:       p.Data,
	}
	if p.DueAt != nil {
		due := p.DueAt.UTC()
		row.DueAt = &due
	}
	// last write wins: projections are pure functions of stored records
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "kind"}, {Name: "subject_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"version", "computed_at", "due_at", "data"}),
	}).Create(&row).Error
}

func (s *GormStore) GetProjection(ctx context.Context, kind, key string) (*Projection, error) {
	var row ProjectionRow
	res := s.db.WithContext(ctx).Where("kind = ? AND subject_key = ?", kind, key).Limit(1).Find(&row)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return projectionFromRow(&row), nil
}

func projectionFromRow(row *ProjectionRow) *Projection {
	return &Projection{
		Kind:       row.Kind,
		Key:        row.Key,
		Version:    row.Version.UTC(),
		ComputedAt: row.ComputedAt.UTC(),
		DueAt:      row.DueAt,
		Data:       row.Data,
	}
}

func (s *GormStore) DeleteProjection(ctx context.Context, kind, key string) error {
	return s.db.WithContext(ctx).Where("kind = ? AND subject_key = ?", kind, key).Delete(&ProjectionRow{}).Error
}

func (s *GormStore) ListDueProjections(ctx context.Context, kind string, before time.Time) ([]*Projection, error) {
	var rows []ProjectionRow
	err := s.db.WithContext(ctx).
		Where("kind = ? AND due_at IS NOT NULL AND due_at <= ?", kind, before.UTC()).
		Order("due_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*Projection, 0, len(rows))
	for i := range rows {
		out = append(out, projectionFromRow(&rows[i]))
	}
	return out, nil
}

func (s *GormStore) PutDeadLetter(ctx context.Context, dl *DeadLetter) error {
	row := DeadLetterRow{
		URI:        dl.URI,
		Collection: dl.Collection,
		Reason:     dl.Reason,
		Missing:    dl.Missing,
		Payload:    dl.Payload,
		CreatedAt:  dl.CreatedAt.UTC(),
		ReceivedAt: dl.ReceivedAt.UTC(),
		Attempts:   dl.Attempts,
		DeadAt:     dl.DeadAt.UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return err
	}
	dl.ID = row.ID
	return nil
}

func (s *GormStore) ListDeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error) {
	q := s.db.WithContext(ctx).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []DeadLetterRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*DeadLetter, 0, len(rows))
	for _, row := range rows {
		out = append(out, &DeadLetter{
			ID:         row.ID,
			URI:        row.URI,
			Collection: row.Collection,
			Reason:     row.Reason,
			Missing:    row.Missing,
			Payload:    row.Payload,
			CreatedAt:  row.CreatedAt.UTC(),
			ReceivedAt: row.ReceivedAt.UTC(),
			Attempts:   row.Attempts,
			DeadAt:     row.DeadAt.UTC(),
		})
	}
	return out, nil
}

func (s *GormStore) GetCursor(ctx context.Context, name string) (int64, error) {
	var row CursorRow
	res := s.db.WithContext(ctx).Where("name = ?", name).Limit(1).Find(&row)
	if res.Error != nil {
		return 0, res.Error
	}
	return row.Seq, nil
}

func (s *GormStore) SetCursor(ctx context.Context, name string, seq int64) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"seq"}),
	}).Create(&CursorRow{Name: name, Seq: seq}).Error
}
