package repository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/lookbook/internal/config"
	"github.com/timmy/lookbook/internal/domain"
)

func newTestRepo(t *testing.T) *UploadRepository {
	t.Helper()
	db, err := InitDB(&config.DatabaseConfig{
		Driver:      "sqlite",
		Path:        filepath.Join(t.TempDir(), "test.db"),
		AutoMigrate: true,
	})
	if err != nil {
		t.Fatalf("InitDB() error = %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return NewUploadRepository(db)
}

func newUpload(username, hash string, at time.Time) *domain.Upload {
	return &domain.Upload{
		ID:         uuid.NewString(),
		Username:   username,
		MD5Hash:    hash,
		ImagePath:  "/images/" + username + "/" + hash + ".png",
		StorageKey: username + "/" + hash + ".png",
		Position:   "upper",
		Style:      "casual",
		Color:      "red",
		UploadedAt: at,
	}
}

func TestUploadRepositoryFindByHash(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	now := time.Now()

	if err := repo.Create(ctx, newUpload("alice", "aaa", now)); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := repo.FindByHash(ctx, "alice", "aaa")
	if err != nil {
		t.Fatalf("FindByHash() error = %v", err)
	}
	if got.Color != "red" || got.Username != "alice" {
		t.Errorf("FindByHash() = %+v", got)
	}

	// Same content under another user is a different partition.
	if _, err := repo.FindByHash(ctx, "bob", "aaa"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindByHash(bob) error = %v, want ErrNotFound", err)
	}
}

func TestUploadRepositoryCreateDuplicate(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	now := time.Now()

	if err := repo.Create(ctx, newUpload("alice", "aaa", now)); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := repo.Create(ctx, newUpload("alice", "aaa", now)); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second Create() error = %v, want ErrDuplicate", err)
	}
	if err := repo.Create(ctx, newUpload("bob", "aaa", now)); err != nil {
		t.Fatalf("Create() for another user error = %v", err)
	}
}

func TestUploadRepositoryListing(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	for i, hash := range []string{"h1", "h2", "h3"} {
		if err := repo.Create(ctx, newUpload("alice", hash, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatal(err)
		}
	}
	if err := repo.Create(ctx, newUpload("bob", "h9", base)); err != nil {
		t.Fatal(err)
	}

	page, total, err := repo.ListByUsername(ctx, "alice", 2, 0)
	if err != nil {
		t.Fatalf("ListByUsername() error = %v", err)
	}
	if total != 3 || len(page) != 2 {
		t.Fatalf("ListByUsername() total=%d len=%d, want 3 and 2", total, len(page))
	}
	if page[0].MD5Hash != "h3" || page[1].MD5Hash != "h2" {
		t.Errorf("ListByUsername() order = %s,%s, want h3,h2", page[0].MD5Hash, page[1].MD5Hash)
	}

	all, err := repo.ListAllByUsername(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].MD5Hash != "h1" {
		t.Errorf("ListAllByUsername() = %d records starting with %q", len(all), all[0].MD5Hash)
	}

	names, err := repo.ListUsernames(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "alice" || names[1] != "bob" {
		t.Errorf("ListUsernames() = %v, want [alice bob]", names)
	}

	if err := repo.Ping(ctx); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}
