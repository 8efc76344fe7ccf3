package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pageflowhq/pageflow/internal/domain"
)

// Postgres is the production Store backed by a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects a pool to the given DSN and verifies reachability.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

const documentColumns = `id, owner_id, title, storage_key, mime_type, size_bytes,
	status, page_count, created_at, updated_at`

const jobColumns = `id, document_id, status, progress, result, error_message,
	started_at, completed_at, created_at, updated_at`

// CreateDocumentAndJob runs the upload transaction. Serializable isolation
// keeps the pair atomic under concurrent uploads of the same payload.
func (s *Postgres) CreateDocumentAndJob(ctx context.Context, p CreateDocumentParams) (*domain.Document, *domain.Job, error) {
	now := time.Now().UTC()
	doc := &domain.Document{
		ID:         uuid.NewString(),
		OwnerID:    p.OwnerID,
		Title:      p.Title,
		StorageKey: p.StorageKey,
		MimeType:   p.MimeType,
		SizeBytes:  p.SizeBytes,
		Status:     domain.DocumentUploaded,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	job := &domain.Job{
		ID:         uuid.NewString(),
		DocumentID: doc.ID,
		Status:     domain.JobPending,
		Progress:   0,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO documents (id, owner_id, title, storage_key, mime_type, size_bytes, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		doc.ID, doc.OwnerID, doc.Title, doc.StorageKey, doc.MimeType, doc.SizeBytes, doc.Status, doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("insert document: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO processing_jobs (id, document_id, status, progress, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		job.ID, job.DocumentID, job.Status, job.Progress, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("insert job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("commit: %w", err)
	}
	return doc, job, nil
}

func (s *Postgres) CreateJob(ctx context.Context, documentID string) (*domain.Job, error) {
	now := time.Now().UTC()
	job := &domain.Job{
		ID:         uuid.NewString(),
		DocumentID: documentID,
		Status:     domain.JobPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO processing_jobs (id, document_id, status, progress, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		job.ID, job.DocumentID, job.Status, job.Progress, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

func (s *Postgres) JobByID(ctx context.Context, jobID string) (*domain.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM processing_jobs WHERE id = $1`, jobID)
	return scanJob(row)
}

func (s *Postgres) DocumentByID(ctx context.Context, documentID, ownerID string) (*domain.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE id = $1`
	args := []any{documentID}
	if ownerID != "" {
		query += ` AND owner_id = $2`
		args = append(args, ownerID)
	}

	var d domain.Document
	err := s.pool.QueryRow(ctx, query, args...).Scan(
		&d.ID, &d.OwnerID, &d.Title, &d.StorageKey, &d.MimeType, &d.SizeBytes,
		&d.Status, &d.PageCount, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select document: %w", err)
	}
	return &d, nil
}

// TransitionJob builds an UPDATE from the non-nil patch fields. The
// updated_at column always advances so observers can order snapshots.
func (s *Postgres) TransitionJob(ctx context.Context, jobID string, patch JobPatch) error {
	sets := []string{"updated_at = $1"}
	args := []any{time.Now().UTC()}

	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if patch.Status != nil {
		add("status", *patch.Status)
	}
	if patch.Progress != nil {
		add("progress", *patch.Progress)
	}
	if patch.ErrorMessage != nil {
		add("error_message", *patch.ErrorMessage)
	}
	if patch.StartedAt != nil {
		add("started_at", *patch.StartedAt)
	}
	if patch.CompletedAt != nil {
		add("completed_at", *patch.CompletedAt)
	}
	if patch.Result != nil {
		add("result", patch.Result)
	}

	args = append(args, jobID)
	query := fmt.Sprintf("UPDATE processing_jobs SET %s WHERE id = $%d",
		strings.Join(sets, ", "), len(args))

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) UpdateDocument(ctx context.Context, documentID string, patch DocumentPatch) error {
	sets := []string{"updated_at = $1"}
	args := []any{time.Now().UTC()}

	if patch.Status != nil {
		args = append(args, *patch.Status)
		sets = append(sets, fmt.Sprintf("status = $%d", len(args)))
	}
	if patch.PageCount != nil {
		args = append(args, *patch.PageCount)
		sets = append(sets, fmt.Sprintf("page_count = $%d", len(args)))
	}

	args = append(args, documentID)
	query := fmt.Sprintf("UPDATE documents SET %s WHERE id = $%d",
		strings.Join(sets, ", "), len(args))

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) RunningJobForDocument(ctx context.Context, documentID string) (*domain.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM processing_jobs
		WHERE document_id = $1 AND status = $2
		ORDER BY created_at DESC
		LIMIT 1`, documentID, domain.JobRunning)

	job, err := scanJob(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return job, err
}

func (s *Postgres) PendingJobForDocument(ctx context.Context, documentID string) (*domain.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM processing_jobs
		WHERE document_id = $1 AND status = $2
		ORDER BY created_at DESC
		LIMIT 1`, documentID, domain.JobPending)

	job, err := scanJob(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return job, err
}

// DeleteDocument removes the owner's document. The processing_jobs (and
// annotations) foreign keys carry ON DELETE CASCADE.
func (s *Postgres) DeleteDocument(ctx context.Context, documentID, ownerID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM documents WHERE id = $1 AND owner_id = $2`, documentID, ownerID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Postgres) Close() {
	s.pool.Close()
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		j      domain.Job
		result *[]byte
		errMsg *string
	)
	err := row.Scan(&j.ID, &j.DocumentID, &j.Status, &j.Progress, &result,
		&errMsg, &j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select job: %w", err)
	}
	if result != nil {
		j.Result = *result
	}
	if errMsg != nil {
		j.ErrorMessage = *errMsg
	}
	return &j, nil
}
