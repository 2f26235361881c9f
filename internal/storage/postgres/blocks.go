package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/store"
)

const blockColumns = `id, source_id, external_id, title, description, tags, media_type, media_key,
	video_poster_key, url, source_original_url, og_title, og_description, og_image_url, og_url,
	fingerprint, created_at, updated_at`

func blockDest(b *harvest.Block) []any {
	return []any{
		&b.ID,
		&b.SourceID,
		&b.ExternalID,
		&b.Title,
		&b.Description,
		&b.Tags,
		&b.MediaType,
		&b.MediaKey,
		&b.VideoPosterKey,
		&b.URL,
		&b.SourceOriginalURL,
		&b.OGTitle,
		&b.OGDescription,
		&b.OGImageURL,
		&b.OGURL,
		&b.Fingerprint,
		&b.CreatedAt,
		&b.UpdatedAt,
	}
}

func scanBlock(row pgx.Row) (harvest.Block, error) {
	var b harvest.Block
	if err := row.Scan(blockDest(&b)...); err != nil {
		return harvest.Block{}, notFound(err)
	}
	return b, nil
}

// UpsertBlock inserts or updates a block keyed by (source_id, external_id).
// xmax is zero only for freshly inserted tuples.
func (s *Store) UpsertBlock(ctx context.Context, in harvest.BlockInput) (harvest.UpsertResult, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return harvest.UpsertResult{}, fmt.Errorf("generate block id: %w", err)
	}
	f := in.Fields
	tags := f.Tags
	if tags == nil {
		tags = []string{}
	}
	var (
		res harvest.UpsertResult
		b   = &res.Block
	)
	dest := append(blockDest(b), &res.Created)
	err = s.db.QueryRow(ctx, `
INSERT INTO blocks (
	id, source_id, external_id, title, description, tags, media_type, media_key,
	video_poster_key, url, source_original_url, og_title, og_description, og_image_url, og_url, fingerprint
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
ON CONFLICT (source_id, external_id) DO UPDATE SET
	title = EXCLUDED.title,
	description = EXCLUDED.description,
	tags = EXCLUDED.tags,
	media_type = EXCLUDED.media_type,
	media_key = EXCLUDED.media_key,
	video_poster_key = EXCLUDED.video_poster_key,
	url = EXCLUDED.url,
	source_original_url = EXCLUDED.source_original_url,
	og_title = EXCLUDED.og_title,
	og_description = EXCLUDED.og_description,
	og_image_url = EXCLUDED.og_image_url,
	og_url = EXCLUDED.og_url,
	fingerprint = EXCLUDED.fingerprint,
	updated_at = now()
RETURNING `+blockColumns+`, (xmax = 0) AS inserted`,
		id,
		in.SourceID,
		in.ExternalID,
		f.Title,
		f.Description,
		tags,
		f.MediaType,
		f.MediaKey,
		f.VideoPosterKey,
		f.URL,
		f.SourceOriginalURL,
		f.OGTitle,
		f.OGDescription,
		f.OGImageURL,
		f.OGURL,
		f.Fingerprint,
	).Scan(dest...)
	if err != nil {
		return harvest.UpsertResult{}, fmt.Errorf("upsert block %s/%s: %w", in.SourceID, in.ExternalID, err)
	}
	return res, nil
}

// BlockFingerprint returns the stored fingerprint for a dedup key.
func (s *Store) BlockFingerprint(ctx context.Context, sourceID, externalID string) (string, bool, error) {
	var fp string
	err := s.db.QueryRow(ctx,
		`SELECT fingerprint FROM blocks WHERE source_id = $1 AND external_id = $2`,
		sourceID, externalID,
	).Scan(&fp)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup fingerprint: %w", err)
	}
	return fp, true, nil
}

// GetBlock fetches one block.
func (s *Store) GetBlock(ctx context.Context, id string) (harvest.Block, error) {
	return scanBlock(s.db.QueryRow(ctx, `SELECT `+blockColumns+` FROM blocks WHERE id = $1`, id))
}

// ListBlocks returns blocks newest first.
func (s *Store) ListBlocks(ctx context.Context, filter store.BlockFilter) ([]harvest.Block, error) {
	var w where
	if filter.SourceID != "" {
		w.add("source_id = $%d", filter.SourceID)
	}
	query := `SELECT ` + blockColumns + ` FROM blocks` + w.String() + ` ORDER BY created_at DESC, id DESC`
	query += w.page(filter.Limit, filter.Offset)
	rows, err := s.db.Query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	defer rows.Close()
	out := []harvest.Block{}
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blocks: %w", err)
	}
	return out, nil
}

// CountBlocks counts blocks for a source, or all blocks when sourceID is empty.
func (s *Store) CountBlocks(ctx context.Context, sourceID string) (int, error) {
	var n int
	var err error
	if sourceID == "" {
		err = s.db.QueryRow(ctx, `SELECT count(*) FROM blocks`).Scan(&n)
	} else {
		err = s.db.QueryRow(ctx, `SELECT count(*) FROM blocks WHERE source_id = $1`, sourceID).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count blocks: %w", err)
	}
	return n, nil
}
