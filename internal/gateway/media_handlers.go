// ABOUTME: Media endpoints: multipart upload, inline fetch and admin deletion
// ABOUTME: Content is streamed from the blob store; storage keys are never sent to clients

package gateway

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/2389/maintdesk/internal/auth"
	"github.com/2389/maintdesk/internal/store"
	"github.com/2389/maintdesk/internal/tasks"
)

// multipartMemory is how much of an upload is held in memory before
// spilling to a temporary file.
const multipartMemory = 8 << 20

// multipartOverhead allows for form fields and boundaries on top of the file.
const multipartOverhead = 1 << 20

func formInt(r *http.Request, name string) (int, error) {
	v := r.FormValue(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", errBadRequest, name)
	}
	return n, nil
}

// handleUploadMedia handles POST /api/tasks/{uid}/media with a multipart
// body: file, type, and optional filename, width, height, duration_sec.
func (g *Gateway) handleUploadMedia(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, g.config.Media.MaxUploadBytes+multipartOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "upload too large"})
			return
		}
		g.writeError(w, r, fmt.Errorf("%w: invalid multipart body: %v", errBadRequest, err))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		g.writeError(w, r, fmt.Errorf("%w: file is required", errBadRequest))
		return
	}
	defer func() { _ = file.Close() }()

	up := tasks.MediaUpload{
		Type:        store.MediaType(r.FormValue("type")),
		Filename:    r.FormValue("filename"),
		ContentType: header.Header.Get("Content-Type"),
	}
	if up.Type == "" {
		up.Type = store.MediaDocument
	}
	if up.Filename == "" {
		up.Filename = header.Filename
	}
	if up.Width, err = formInt(r, "width"); err == nil {
		if up.Height, err = formInt(r, "height"); err == nil {
			up.DurationSec, err = formInt(r, "duration_sec")
		}
	}
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	uid := chi.URLParam(r, "uid")
	item, err := g.tasks.AttachMedia(r.Context(), auth.FromContext(r.Context()), uid, up, file)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newMediaResponse(uid, *item))
}

// handleGetMedia handles GET /api/media/{uid}/{filename}.
func (g *Gateway) handleGetMedia(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	filename := chi.URLParam(r, "filename")

	item, f, err := g.tasks.OpenMedia(r.Context(), auth.FromContext(r.Context()), uid, filename)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	defer func() { _ = f.Close() }()

	if ct := item.Metadata.ContentType; ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": item.Metadata.Filename}))
	w.Header().Set("Cache-Control", "private, max-age=300")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	http.ServeContent(w, r, item.Metadata.Filename, item.CreatedAt, f)
}

// handleDeleteMedia handles DELETE /api/media/{uid}/{filename}.
func (g *Gateway) handleDeleteMedia(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	filename := chi.URLParam(r, "filename")

	item, err := g.tasks.DeleteMedia(r.Context(), auth.FromContext(r.Context()), uid, filename)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	g.audit(r, store.AuditDeleteMedia, "media", uid+"/"+filename, map[string]any{"media_id": item.ID})
	w.WriteHeader(http.StatusNoContent)
}
