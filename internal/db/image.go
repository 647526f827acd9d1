package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Image is an uploaded attachment in the content-addressed cache. FilePath is
// relative to the cache directory; Hash is the SHA-256 of the content.
type Image struct {
	ID           uuid.UUID `db:"id" json:"id"`
	FilePath     string    `db:"file_path" json:"file_path"`
	OriginalName string    `db:"original_name" json:"original_name"`
	MimeType     *string   `db:"mime_type" json:"mime_type,omitempty"`
	SizeBytes    *int64    `db:"size_bytes" json:"size_bytes,omitempty"`
	Hash         string    `db:"hash" json:"hash"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

const imageColumns = `id, file_path, original_name, mime_type, size_bytes, hash, created_at, updated_at`

// CreateImage inserts an image row. A duplicate hash reuses the existing row.
func (d *DB) CreateImage(ctx context.Context, img *Image) (*Image, error) {
	if existing, err := d.ImageByHash(ctx, img.Hash); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}
	if img.ID == uuid.Nil {
		img.ID = uuid.New()
	}
	ts := now()
	img.CreatedAt, img.UpdatedAt = ts, ts
	_, err := d.NamedExecContext(ctx, `
		INSERT INTO images (`+imageColumns+`)
		VALUES (:id, :file_path, :original_name, :mime_type, :size_bytes, :hash,
		        :created_at, :updated_at)`, img)
	if err != nil {
		return nil, err
	}
	return img, nil
}

// ImageByID fetches one image, or nil.
func (d *DB) ImageByID(ctx context.Context, id uuid.UUID) (*Image, error) {
	var img Image
	err := d.GetContext(ctx, &img, `SELECT `+imageColumns+` FROM images WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &img, nil
}

// ImageByHash fetches the image with the given content hash, or nil.
func (d *DB) ImageByHash(ctx context.Context, hash string) (*Image, error) {
	var img Image
	err := d.GetContext(ctx, &img, `SELECT `+imageColumns+` FROM images WHERE hash = ?`, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &img, nil
}

// ImagesByIDs fetches the given images, skipping unknown ids.
func (d *DB) ImagesByIDs(ctx context.Context, ids []uuid.UUID) ([]Image, error) {
	out := make([]Image, 0, len(ids))
	for _, id := range ids {
		img, err := d.ImageByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if img != nil {
			out = append(out, *img)
		}
	}
	return out, nil
}

// AssociateTaskImages links images to a task, deduplicating on conflict in a
// single statement per image.
func (d *DB) AssociateTaskImages(ctx context.Context, taskID uuid.UUID, imageIDs []uuid.UUID) error {
	for _, imageID := range imageIDs {
		_, err := d.ExecContext(ctx, `
			INSERT INTO task_images (id, task_id, image_id, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (task_id, image_id) DO NOTHING`,
			uuid.New(), taskID, imageID, now())
		if err != nil {
			return err
		}
	}
	return nil
}
