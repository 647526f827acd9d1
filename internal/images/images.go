// Package images stores task attachments in a content-addressed cache and
// copies them into worktrees so prompts can reference them by a stable,
// agent-visible path.
package images

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/verkstad/verkstad/internal/db"
)

// worktreeImageDir is where attachments land inside a worktree.
const worktreeImageDir = ".verkstad/images"

// Service owns the image cache directory.
type Service struct {
	db       *db.DB
	cacheDir string
}

// New returns a Service rooted at cacheDir.
func New(d *db.DB, cacheDir string) *Service {
	return &Service{db: d, cacheDir: cacheDir}
}

// Store saves the image bytes under their content hash and records the row.
// Duplicate content reuses the existing row.
func (s *Service) Store(ctx context.Context, originalName string, data []byte) (*db.Image, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	fileName := hash + strings.ToLower(filepath.Ext(originalName))
	if err := os.MkdirAll(s.cacheDir, 0o750); err != nil {
		return nil, fmt.Errorf("create image cache: %w", err)
	}
	path := filepath.Join(s.cacheDir, fileName)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return nil, fmt.Errorf("write image: %w", err)
		}
	}

	size := int64(len(data))
	return s.db.CreateImage(ctx, &db.Image{
		FilePath:     fileName,
		OriginalName: originalName,
		SizeBytes:    &size,
		Hash:         hash,
	})
}

// CopyToWorktree places the referenced images under the worktree's image
// directory, named by image id so prompt tokens resolve deterministically.
func (s *Service) CopyToWorktree(ctx context.Context, worktreePath string, ids []uuid.UUID) error {
	imgs, err := s.db.ImagesByIDs(ctx, ids)
	if err != nil {
		return err
	}
	destDir := filepath.Join(worktreePath, worktreeImageDir)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("create worktree image dir: %w", err)
	}
	for _, img := range imgs {
		src := filepath.Join(s.cacheDir, img.FilePath)
		dst := filepath.Join(destDir, img.ID.String()+strings.ToLower(filepath.Ext(img.OriginalName)))
		if err := copyFile(src, dst); err != nil {
			return fmt.Errorf("copy image %s: %w", img.ID, err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// CanonicalizePaths rewrites image markdown tokens of the form
// (.verkstad/images/<file>) or (images/<file>) to absolute worktree paths so
// the agent can open them regardless of its working directory.
func CanonicalizePaths(prompt, worktreePath string) string {
	abs := filepath.Join(worktreePath, worktreeImageDir) + string(filepath.Separator)
	replaced := strings.ReplaceAll(prompt, "("+worktreeImageDir+"/", "("+abs)
	return strings.ReplaceAll(replaced, "(images/", "("+abs)
}
