// ABOUTME: Task media operations: upload, download and deletion of attached blobs
// ABOUTME: Blob writes and row changes happen under the task lock; blobs that fail to delete stay queued for the sweeper

package tasks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"

	"github.com/2389/maintdesk/internal/auth"
	"github.com/2389/maintdesk/internal/media"
	"github.com/2389/maintdesk/internal/store"
)

// BlobStore holds media content.
type BlobStore interface {
	Put(key string, r io.Reader) (int64, error)
	Open(key string) (*os.File, error)
	Delete(ctx context.Context, key string) error
}

// MediaUpload describes an uploaded file.
type MediaUpload struct {
	Type        store.MediaType
	Filename    string
	ContentType string
	Width       int
	Height      int
	DurationSec int
}

// AttachMedia stores the content and records it on the task. Any user who
// can see the task may attach media. Media added to a done task is
// scheduled for deletion like media present when it was completed.
func (s *Service) AttachMedia(ctx context.Context, actor *auth.Identity, uid string, up MediaUpload, r io.Reader) (*store.MediaItem, error) {
	meta := store.MediaMetadata{
		Filename:    up.Filename,
		ContentType: up.ContentType,
		Width:       up.Width,
		Height:      up.Height,
		DurationSec: up.DurationSec,
	}
	if err := meta.Validate(up.Type); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	key, err := media.Key(uid, up.Filename)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	unlock := s.locks.lock(uid)
	defer unlock()

	t, err := s.loadVisible(ctx, actor, uid)
	if err != nil {
		return nil, err
	}
	if t.FindMedia(up.Filename) != nil {
		return nil, store.ErrMediaExists
	}

	limited := io.LimitReader(r, s.cfg.MaxUploadBytes+1)
	size, err := s.blobs.Put(key, limited)
	if err != nil {
		return nil, fmt.Errorf("storing media: %w", err)
	}
	if size > s.cfg.MaxUploadBytes {
		s.discardBlob(ctx, uid, key)
		return nil, fmt.Errorf("%w: file exceeds %d bytes", ErrInvalidInput, s.cfg.MaxUploadBytes)
	}
	meta.Size = size

	now := s.clock()
	item := &store.MediaItem{
		ID:        uuid.NewString(),
		Type:      up.Type,
		Path:      key,
		Metadata:  meta,
		CreatedAt: now,
	}
	if t.Status == store.StatusDone {
		deleteAfter := now.Add(s.cfg.RetentionAfterDone)
		item.DeleteAfter = &deleteAfter
	}
	if err := s.store.AddMedia(ctx, uid, item, now); err != nil {
		s.discardBlob(ctx, uid, key)
		return nil, err
	}

	s.logger.Info("media attached", "uid", uid, "filename", up.Filename, "size", size, "by", actor.TelegramID)
	return item, nil
}

// OpenMedia returns the item and an open reader for its content. The
// caller must close the file. The lookup and open happen under the task's
// read lock, so the result is either complete or ErrNotFound.
func (s *Service) OpenMedia(ctx context.Context, viewer *auth.Identity, uid, filename string) (*store.MediaItem, *os.File, error) {
	unlock := s.locks.rlock(uid)
	defer unlock()

	t, err := s.loadVisible(ctx, viewer, uid)
	if err != nil {
		return nil, nil, err
	}
	item := t.FindMedia(filename)
	if item == nil {
		return nil, nil, store.ErrNotFound
	}

	f, err := s.blobs.Open(item.Path)
	if errors.Is(err, media.ErrBlobNotFound) {
		s.logger.Error("media row without blob", "uid", uid, "filename", filename, "key", item.Path)
		return nil, nil, store.ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("opening media: %w", err)
	}
	return item, f, nil
}

// DeleteMedia removes a media item and its content.
func (s *Service) DeleteMedia(ctx context.Context, actor *auth.Identity, uid, filename string) (*store.MediaItem, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}

	unlock := s.locks.lock(uid)
	defer unlock()

	t, err := s.store.GetTask(ctx, uid)
	if err != nil {
		return nil, err
	}
	item := t.FindMedia(filename)
	if item == nil {
		return nil, store.ErrNotFound
	}

	// The row removal queues the blob; deleting it now is the fast path.
	if err := s.store.RemoveMedia(ctx, uid, item.ID, s.clock()); err != nil {
		return nil, err
	}
	s.deleteQueuedBlob(ctx, item.Path)

	s.logger.Info("media deleted", "uid", uid, "filename", filename, "by", actor.TelegramID)
	return item, nil
}

// deleteQueuedBlob deletes a blob whose row removal queued it and clears
// the queue entry. On failure the entry stays for the retention sweeper.
func (s *Service) deleteQueuedBlob(ctx context.Context, key string) {
	if err := s.deleteBlob(ctx, key); err != nil {
		s.logger.Warn("media blob left for retry", "key", key, "error", err)
		return
	}
	if err := s.store.CompleteBlobDeletion(ctx, key); err != nil {
		s.logger.Warn("failed to clear queued blob deletion", "key", key, "error", err)
	}
}

// discardBlob deletes content that no row references. If that fails the
// key is queued so the retention sweeper removes it later.
func (s *Service) discardBlob(ctx context.Context, uid, key string) {
	err := s.deleteBlob(ctx, key)
	if err == nil {
		return
	}
	s.logger.Warn("failed to delete media blob", "key", key, "error", err)
	// The request may be cancelled; queueing must still happen.
	if qerr := s.store.EnqueueBlobDeletion(context.WithoutCancel(ctx), uid, key, s.clock()); qerr != nil {
		s.logger.Error("unreferenced media blob not queued", "key", key, "error", qerr)
	}
}

func (s *Service) deleteBlob(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.DeleteTimeout)
	defer cancel()
	return s.blobs.Delete(ctx, key)
}
