package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMock(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db), mock
}

func TestUpsertPage(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO cms_pages (path, html, updated_by, updated_at)")).
		WithArgs("/index.html", "<!DOCTYPE html><html></html>", "owner@example.com").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.UpsertPage(context.Background(), "/index.html", "<!DOCTYPE html><html></html>", "owner@example.com"); err != nil {
		t.Fatalf("UpsertPage() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpsertPageWrapsFailure(t *testing.T) {
	s, mock := newMock(t)
	cause := errors.New("connection reset")
	mock.ExpectExec("INSERT INTO cms_pages").WillReturnError(cause)

	if err := s.UpsertPage(context.Background(), "/index.html", "x", "owner"); !errors.Is(err, cause) {
		t.Fatalf("UpsertPage() error = %v", err)
	}
}

func TestGetPageChecksEveryCandidate(t *testing.T) {
	s, mock := newMock(t)
	updated := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"path", "html", "title", "body_text", "updated_by", "updated_at"}).
		AddRow("/index.html", "<html></html>", "Home", "hello", "owner", updated)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE path IN ($1, $2, $3)")).
		WithArgs("/", "/index.html", "index.html").
		WillReturnRows(rows)

	page, err := s.GetPage(context.Background(), []string{"/", "/index.html", "index.html"})
	if err != nil {
		t.Fatalf("GetPage() error = %v", err)
	}
	if page.Path != "/index.html" || !page.UpdatedAt.Equal(updated) {
		t.Fatalf("unexpected page: %+v", page)
	}

	if _, err := s.GetPage(context.Background(), nil); !IsNotFound(err) {
		t.Fatalf("GetPage(nil) error = %v", err)
	}
}

func TestGetPageMissing(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("FROM cms_pages").WillReturnError(sql.ErrNoRows)
	if _, err := s.GetPage(context.Background(), []string{"/missing.html"}); !IsNotFound(err) {
		t.Fatalf("GetPage() error = %v", err)
	}
}

func TestInsertAudit(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("INSERT INTO cms_audit").
		WithArgs("/index.html", "manual", "owner@example.com", 1204).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.InsertAudit(context.Background(), AuditEntry{Path: "/index.html", Reason: "manual", Editor: "owner@example.com", Size: 1204})
	if err != nil {
		t.Fatalf("InsertAudit() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestListProjectsAndUpdateImage(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now()
	mock.ExpectQuery("FROM projects").WillReturnRows(
		sqlmock.NewRows([]string{"id", "slug", "title", "href", "image_url", "updated_at"}).
			AddRow("prj_1", "alpha", "Alpha", "/projects/alpha.html", "", now).
			AddRow("prj_2", "beta", "Beta", "/projects/beta.html", "", now),
	)
	projects, err := s.ListProjects(context.Background())
	if err != nil || len(projects) != 2 || projects[1].Slug != "beta" {
		t.Fatalf("ListProjects() = %+v, %v", projects, err)
	}

	mock.ExpectExec("UPDATE projects SET image_url").
		WithArgs("prj_1", "https://cdn.example/projects/alpha/cover.png").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := s.UpdateProjectImage(context.Background(), "prj_1", "https://cdn.example/projects/alpha/cover.png"); err != nil {
		t.Fatalf("UpdateProjectImage() error = %v", err)
	}

	mock.ExpectExec("UPDATE projects SET image_url").WillReturnResult(sqlmock.NewResult(0, 0))
	if err := s.UpdateProjectImage(context.Background(), "prj_9", "x"); !IsNotFound(err) {
		t.Fatalf("UpdateProjectImage(missing) error = %v", err)
	}
}

func TestUserQueries(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now()
	columns := []string{"id", "display_name", "email", "password_hash", "role", "created_at", "updated_at"}

	mock.ExpectQuery("INSERT INTO users").
		WithArgs("Owner", "owner@example.com", "hash", "operator").
		WillReturnRows(sqlmock.NewRows(columns).AddRow("usr_1", "Owner", "owner@example.com", "hash", "operator", now, now))
	user, err := s.CreateUser(context.Background(), User{DisplayName: "Owner", Email: "Owner@Example.com", PasswordHash: "hash", Role: "operator"})
	if err != nil || user.ID != "usr_1" {
		t.Fatalf("CreateUser() = %+v, %v", user, err)
	}

	mock.ExpectQuery("FROM users WHERE email").
		WithArgs("owner@example.com").
		WillReturnRows(sqlmock.NewRows(columns).AddRow("usr_1", "Owner", "owner@example.com", "hash", "operator", now, now))
	if user, err := s.GetUserByEmail(context.Background(), "OWNER@example.com"); err != nil || user.Role != "operator" {
		t.Fatalf("GetUserByEmail() = %+v, %v", user, err)
	}

	mock.ExpectExec("UPDATE users SET password_hash").WillReturnResult(sqlmock.NewResult(0, 0))
	if err := s.UpdateUserPassword(context.Background(), "usr_missing", "hash"); !IsNotFound(err) {
		t.Fatalf("UpdateUserPassword(missing) error = %v", err)
	}
}

func TestRefreshSessionLifecycle(t *testing.T) {
	s, mock := newMock(t)
	expires := time.Now().Add(time.Hour)

	mock.ExpectExec("INSERT INTO refresh_sessions").WithArgs("hash-1", "usr_1", expires).WillReturnResult(sqlmock.NewResult(0, 1))
	if err := s.SaveRefreshSession(context.Background(), "hash-1", "usr_1", expires); err != nil {
		t.Fatalf("SaveRefreshSession() error = %v", err)
	}

	mock.ExpectQuery("FROM refresh_sessions").WithArgs("hash-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "display_name", "email", "role"}).AddRow("usr_1", "Owner", "owner@example.com", "operator"))
	user, err := s.LookupRefreshSession(context.Background(), "hash-1")
	if err != nil || user.Email != "owner@example.com" {
		t.Fatalf("LookupRefreshSession() = %+v, %v", user, err)
	}

	mock.ExpectExec("UPDATE refresh_sessions SET revoked_at").WithArgs("hash-1").WillReturnResult(sqlmock.NewResult(0, 1))
	if err := s.RevokeRefreshSession(context.Background(), "hash-1"); err != nil {
		t.Fatalf("RevokeRefreshSession() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
