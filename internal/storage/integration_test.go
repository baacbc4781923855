package storage

import (
	"context"
	"os"
	"strings"
	"testing"
)

func TestNewMySQLStorageRejectsBadDSN(t *testing.T) {
	if _, err := NewMySQLStorage("not a dsn"); err == nil {
		t.Fatal("expected error for malformed dsn")
	}
}

func TestMySQLStore(t *testing.T) {
	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		t.Skip("MYSQL_DSN not set")
	}
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := NewMySQLStorage(dsn)
		if err != nil {
			t.Skipf("skipping test, mysql not available: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		if err := s.EnsureSchema(context.Background()); err != nil {
			t.Fatalf("ensure schema: %v", err)
		}
		return s
	})

	t.Run("over-long external id is not truncated into a duplicate", func(t *testing.T) {
		s, err := NewMySQLStorage(dsn)
		if err != nil {
			t.Skipf("skipping test, mysql not available: %v", err)
		}
		defer s.Close()
		ctx := context.Background()
		if err := s.EnsureSchema(ctx); err != nil {
			t.Fatalf("ensure schema: %v", err)
		}

		prefix := testFingerprint()[:8] + strings.Repeat("x", 120)
		first, err := s.Claim(ctx, testClaim(testFingerprint()[:12]+"@example.com", prefix+"-a"))
		if err != nil {
			// strict mode rejects the id outright
			return
		}
		second, err := s.Claim(ctx, testClaim(testFingerprint()[:12]+"@example.com", prefix+"-b"))
		if err == nil && first.Inserted && !second.Inserted {
			t.Fatal("distinct long order ids collapsed into one delivery")
		}
	})
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("POSTGRES_URL")
	if url == "" {
		t.Skip("POSTGRES_URL not set")
	}
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := NewPostgresStorage(context.Background(), url)
		if err != nil {
			t.Skipf("skipping test, postgres not available: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		if err := s.EnsureSchema(context.Background()); err != nil {
			t.Fatalf("ensure schema: %v", err)
		}
		return s
	})
}
