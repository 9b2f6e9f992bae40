package server

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// multipartOverhead is allowed on top of the image size for the form framing.
const multipartOverhead = 64 << 10

// handleUploadProductImage streams the multipart "image" field into object
// storage under products/{id}/{uuid}{ext} and replaces the product's image.
func (s *Server) handleUploadProductImage(w http.ResponseWriter, r *http.Request) {
	if s.images == nil {
		writeError(w, r, errStorageDisabled)
		return
	}
	id, err := pathID(r, "id", "product")
	if err != nil {
		writeError(w, r, err)
		return
	}

	var oldKey string
	err = s.db.QueryRowContext(r.Context(), `SELECT image_key FROM products WHERE id = $1`, id).Scan(&oldKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, r, notFound("product"))
			return
		}
		writeError(w, r, fmt.Errorf("upload image: lookup: %w", err))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxImageBytes+multipartOverhead)
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, r, badRequest("expected multipart/form-data"))
		return
	}

	var (
		body     io.Reader
		filename string
	)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			writeError(w, r, uploadError(err))
			return
		}
		defer func() { _ = part.Close() }()

		if part.FormName() != "image" {
			continue
		}
		body = part
		filename = part.FileName()
		break
	}
	if body == nil {
		writeError(w, r, badRequest("missing image field"))
		return
	}

	// Sniff the real type from the first bytes rather than trusting the
	// client's Content-Type.
	head := make([]byte, 512)
	n, err := io.ReadFull(body, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		writeError(w, r, uploadError(err))
		return
	}
	if n == 0 {
		writeError(w, r, badRequest("image is empty"))
		return
	}
	head = head[:n]
	contentType := http.DetectContentType(head)
	ext, err := validateImageUpload(filename, contentType)
	if err != nil {
		writeError(w, r, err)
		return
	}

	key := fmt.Sprintf("products/%s/%s%s", id, uuid.NewString(), ext)
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	stream := &capReader{r: io.MultiReader(bytes.NewReader(head), body), max: s.cfg.MaxImageBytes}
	if err := s.images.PutImage(ctx, key, stream, -1, contentType); err != nil {
		if stream.exceeded {
			writeError(w, r, newAPIError(http.StatusRequestEntityTooLarge, "image exceeds %d bytes", s.cfg.MaxImageBytes))
			return
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, uploadError(err))
			return
		}
		writeError(w, r, &apiError{Status: http.StatusBadGateway, Message: "image storage failed", Err: err})
		return
	}

	p, err := s.scanProduct(s.db.QueryRowContext(r.Context(),
		`UPDATE products SET image_key = $1, updated_at = now() WHERE id = $2 RETURNING `+productColumns, key, id))
	if err != nil {
		s.removeImage(context.WithoutCancel(r.Context()), key)
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, r, notFound("product"))
			return
		}
		writeError(w, r, fmt.Errorf("upload image: update: %w", err))
		return
	}

	s.removeImage(r.Context(), oldKey)
	zerolog.Ctx(r.Context()).Info().Str("product_id", id).Str("key", key).Msg("product image stored")
	s.productEvent(r.Context(), "updated", id)
	writeJSON(w, http.StatusOK, p)
}

// uploadError maps body read failures to client errors.
func uploadError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return newAPIError(http.StatusRequestEntityTooLarge, "image too large")
	}
	return badRequest("bad multipart body")
}

// capReader fails once more than max bytes have been read.
type capReader struct {
	r        io.Reader
	max      int64
	n        int64
	exceeded bool
}

var errImageTooLarge = errors.New("image too large")

func (c *capReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if c.max > 0 && c.n > c.max {
		c.exceeded = true
		return n, errImageTooLarge
	}
	return n, err
}

// removeImage deletes a stored object, logging failures.
func (s *Server) removeImage(ctx context.Context, key string) {
	if key == "" || s.images == nil {
		return
	}
	if err := s.images.RemoveImage(ctx, key); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("remove image failed")
	}
}

// handleGetImage streams a product image from object storage.
func (s *Server) handleGetImage(w http.ResponseWriter, r *http.Request) {
	if s.images == nil {
		writeError(w, r, errStorageDisabled)
		return
	}
	key := chi.URLParam(r, "*")
	if !strings.HasPrefix(key, "products/") || strings.Contains(key, "..") {
		writeError(w, r, notFound("image"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), time.Minute)
	defer cancel()

	obj, info, err := s.images.GetImage(ctx, key)
	if err != nil {
		if errors.Is(err, errImageNotFound) {
			writeError(w, r, notFound("image"))
			return
		}
		writeError(w, r, &apiError{Status: http.StatusBadGateway, Message: "storage error", Err: err})
		return
	}
	defer func() { _ = obj.Close() }()

	if info.ETag != "" {
		etag := `"` + strings.Trim(info.ETag, `"`) + `"`
		w.Header().Set("ETag", etag)
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}
	contentType := info.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=86400")
	if info.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, obj); err != nil {
		zerolog.Ctx(r.Context()).Warn().Err(err).Str("key", key).Msg("image stream interrupted")
	}
}
