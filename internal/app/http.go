package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"folio/api/internal/asset"
	"folio/api/internal/auth"
	"folio/api/internal/editor"
	"folio/api/internal/errs"
	"folio/api/internal/export"
	"folio/api/internal/pages"
	"folio/api/internal/rbac"
	"folio/api/internal/search"
)

const maxUploadBytes = 10 << 20

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		ok, checks := s.service.Ready(ctx)
		status, statusCode := "ready", http.StatusOK
		if !ok {
			status, statusCode = "not_ready", http.StatusServiceUnavailable
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     ok,
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && (r.URL.Path == "/site" || strings.HasPrefix(r.URL.Path, "/site/")) {
		s.handleSite(w, r)
		return
	}

	if r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/editor/previews/") {
		s.handlePreview(w, r, strings.TrimPrefix(r.URL.Path, "/api/editor/previews/"))
		return
	}

	// Auth routes (no session required)
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/reset-password/request" {
		s.handleAuthRequestReset(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/reset-password" {
		s.handleAuthResetPassword(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"userName":      session.UserName,
			"userId":        session.UserID,
			"email":         session.Email,
			"role":          session.Role,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/signin" {
		var body struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.SignIn(r.Context(), body.Email, body.Password)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
			return
		}
		writeJSON(w, http.StatusOK, sessionPayload(session))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/refresh" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Refresh(r.Context(), body.RefreshToken)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
			return
		}
		writeJSON(w, http.StatusOK, sessionPayload(session))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/signout" {
		session := Session{}
		if token := bearerToken(r); token != "" {
			if parsed, err := s.service.SessionFromToken(r.Context(), token); err == nil {
				session = parsed
			}
		}
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = decodeBody(r, &body)
		_ = s.service.SignOut(r.Context(), session, body.RefreshToken)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		query := r.URL.Query()
		limit, _ := strconv.Atoi(query.Get("limit"))
		offset, _ := strconv.Atoi(query.Get("offset"))
		if limit <= 0 || limit > 50 {
			limit = 20
		}
		if offset < 0 {
			offset = 0
		}
		writeJSON(w, http.StatusOK, s.service.Search(search.Query{
			Text:   strings.TrimSpace(query.Get("q")),
			Limit:  limit,
			Offset: offset,
		}))
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/pages/pdf" {
		result, err := s.service.PagePDF(r.Context(), r.URL.Query().Get("path"))
		if err != nil {
			writeMappedError(w, err)
			return
		}
		w.Header().Set("Content-Type", result.MimeType)
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, result.Filename))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result.Data)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/pages/history" {
		query := r.URL.Query()
		token := bearerToken(r)
		if hash := strings.TrimSpace(query.Get("hash")); hash != "" {
			content, err := s.service.PageRevision(r.Context(), token, query.Get("path"), hash)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"hash": hash, "html": content})
			return
		}
		limit, _ := strconv.Atoi(query.Get("limit"))
		history, err := s.service.PageHistory(r.Context(), token, query.Get("path"), limit)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, history)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "editor" {
		s.handleEditor(w, r, parts[2:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleEditor(w http.ResponseWriter, r *http.Request, parts []string) {
	editors := s.service.Editors()
	token := bearerToken(r)
	ctx := r.Context()

	if r.Method == http.MethodGet && len(parts) == 1 && parts[0] == "state" {
		e, err := editors.EditorFor(ctx, token, r.URL.Query().Get("path"), rbac.ActionRead)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, e.Status())
		return
	}

	if r.Method == http.MethodGet && len(parts) == 1 && parts[0] == "document" {
		e, err := editors.EditorFor(ctx, token, r.URL.Query().Get("path"), rbac.ActionRead)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		doc, err := e.Document()
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeHTML(w, http.StatusOK, doc)
		return
	}

	if r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	if len(parts) == 2 && parts[0] == "assets" && parts[1] == "upload" {
		s.handleUpload(w, r)
		return
	}

	var body struct {
		Path      string `json:"path"`
		ID        string `json:"id"`
		HTML      string `json:"html"`
		URL       string `json:"url"`
		Title     string `json:"title"`
		Body      string `json:"body"`
		Reason    string `json:"reason"`
		Phase     string `json:"phase"`
		Width     int    `json:"width"`
		MinHeight int    `json:"minHeight"`
		Delta     int    `json:"delta"`
		Reset     bool   `json:"reset"`
		Confirm   bool   `json:"confirm"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	switch {
	case len(parts) == 1 && parts[0] == "toggle":
		result, err := editors.Toggle(ctx, token, body.Path, body.Confirm)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return

	case len(parts) == 1 && parts[0] == "discard":
		status, err := editors.Discard(ctx, token, body.Path, body.Confirm)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
		return

	case len(parts) == 1 && parts[0] == "publish":
		e, err := editors.EditorFor(ctx, token, body.Path, rbac.ActionPublish)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		result, err := e.Publish(ctx, token, body.Reason)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return

	case len(parts) == 2 && parts[0] == "assets" && parts[1] == "link":
		e, err := editors.EditorFor(ctx, token, body.Path, rbac.ActionUpload)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		result, err := e.Link(body.ID, body.URL)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"asset": result, "status": e.Status()})
		return
	}

	e, err := editors.Editor(ctx, token, body.Path)
	if err != nil {
		writeMappedError(w, err)
		return
	}

	var status editor.Status
	switch {
	case len(parts) == 1 && parts[0] == "select":
		status, err = e.Select(body.ID)
	case len(parts) == 1 && parts[0] == "text":
		status, err = e.SetText(body.ID, body.HTML)
	case len(parts) == 2 && parts[0] == "sections":
		status, err = e.Section(parts[1], editor.SectionRequest{Title: body.Title, Body: body.Body, Confirm: body.Confirm})
	case len(parts) == 1 && parts[0] == "resize":
		status, err = e.Resize(body.Phase, body.Width, body.MinHeight)
	case len(parts) == 1 && parts[0] == "font-size":
		status, err = e.FontSize(body.Delta, body.Reset)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleUpload authorizes from the header before reading the body, so an
// anonymous caller never gets a multipart parse. path may come from the
// query string or the form.
func (s *HTTPServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if err := s.service.Authorize(r.Context(), token, rbac.ActionUpload); err != nil {
		writeMappedError(w, err)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Expected a multipart image upload", nil)
		return
	}
	e, err := s.service.Editors().EditorFor(r.Context(), token, r.FormValue("path"), rbac.ActionUpload)
	if err != nil {
		writeMappedError(w, err)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "file is required", map[string]any{"field": "file"})
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Could not read the upload", nil)
		return
	}
	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}

	result, err := e.Upload(r.Context(), r.FormValue("id"), asset.File{
		Name:        header.Filename,
		ContentType: contentType,
		Data:        data,
	})
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"asset": result, "status": e.Status()})
}

func (s *HTTPServer) handlePreview(w http.ResponseWriter, r *http.Request, id string) {
	preview, ok := s.service.Editors().Previews().Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Preview not found", nil)
		return
	}
	w.Header().Set("Content-Type", preview.ContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(preview.Data)
}

func (s *HTTPServer) handleSite(w http.ResponseWriter, r *http.Request) {
	requestPath := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, "/site"), "/")
	page, err := s.service.Page(r.Context(), requestPath)
	if err != nil {
		if errors.Is(err, pages.ErrNotFound) || errors.Is(err, pages.ErrInvalidPath) || errors.Is(err, pages.ErrAdminPath) {
			writeHTML(w, http.StatusNotFound, "<!DOCTYPE html><title>Not found</title><p>Page not found.</p>")
			return
		}
		writeMappedError(w, err)
		return
	}
	w.Header().Set("X-Folio-Source", page.Source)
	if !page.UpdatedAt.IsZero() {
		w.Header().Set("Last-Modified", page.UpdatedAt.UTC().Format(http.TimeFormat))
	}
	writeHTML(w, http.StatusOK, page.HTML)
}

func sessionPayload(session Session) map[string]any {
	return map[string]any{
		"accessToken":  session.Token,
		"refreshToken": session.RefreshToken,
		"userId":       session.UserID,
		"userName":     session.UserName,
		"email":        session.Email,
		"role":         session.Role,
		"expiresAt":    session.ExpiresAt.Unix(),
	}
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeHTML(w http.ResponseWriter, status int, doc string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, doc)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status == http.StatusInternalServerError {
		log.Printf("app: unhandled error: %v", err)
	}
	writeError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var validation *errs.ValidationError
	if errors.As(err, &validation) {
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", validation.Error(), map[string]any{"field": validation.Field}
	}
	var upload *errs.UploadError
	if errors.As(err, &upload) {
		return http.StatusBadGateway, "UPLOAD_FAILED", "Image upload failed", map[string]any{"path": upload.Path, "prominent": true}
	}
	var publish *errs.PublishError
	if errors.As(err, &publish) {
		return http.StatusServiceUnavailable, "PUBLISH_FAILED", "Publish failed, changes are kept", map[string]any{"path": publish.Path}
	}
	switch {
	case errors.Is(err, errs.ErrUnauthorized),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, errs.ErrConfirmationRequired):
		return http.StatusConflict, "CONFIRMATION_REQUIRED", "This action needs confirmation", nil
	case errors.Is(err, errs.ErrNoSelection):
		return http.StatusConflict, "NO_SELECTION", "Select a section first", nil
	case errors.Is(err, errs.ErrInactive):
		return http.StatusConflict, "EDITOR_INACTIVE", "Edit mode is not active for this page", nil
	case errors.Is(err, errs.ErrUnknownTarget):
		return http.StatusNotFound, "UNKNOWN_TARGET", "Unknown editor target", nil
	case errors.Is(err, pages.ErrInvalidPath), errors.Is(err, pages.ErrAdminPath):
		return http.StatusBadRequest, "INVALID_PATH", err.Error(), nil
	case errors.Is(err, pages.ErrNotFound), errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, export.ErrPDFDependencyMissing):
		return http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "PDF export requires Chrome", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

func (s *HTTPServer) handleAuthRequestReset(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	token, err := s.service.RequestPasswordReset(r.Context(), body.Email)
	if err != nil {
		var domainErr *DomainError
		if errors.As(err, &domainErr) {
			writeMappedError(w, err)
			return
		}
		log.Printf("app: password reset request: %v", err)
	}

	response := map[string]any{
		"message": "If an account exists, a reset email has been sent",
	}
	// Dev bypass: include reset token in response when email not configured and token was created
	if !s.service.SMTPConfigured() && token != "" {
		response["devResetToken"] = token
	}

	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleAuthResetPassword(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token       string `json:"token"`
		NewPassword string `json:"newPassword"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	if err := s.service.ResetPassword(r.Context(), body.Token, body.NewPassword); err != nil {
		writeMappedError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Password reset successfully",
	})
}
