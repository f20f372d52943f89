package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/devXprite/world-chatapp/internal/domain"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "users.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	return db
}

func ipinfoServer(t *testing.T, country string, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(`{"country":"` + country + `"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestService(t *testing.T, ipinfoURL string) *Service {
	t.Helper()
	svc, err := NewService(testDB(t), Config{
		UserAgent:   "worldchat-test/1.0",
		SessionFile: filepath.Join(t.TempDir(), "session.jwt"),
		TokenSecret: "test-secret",
		IPInfoURL:   ipinfoURL,
	})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	return svc
}

func TestResolveOrCreateIsIdempotent(t *testing.T) {
	srv := ipinfoServer(t, "IN", http.StatusOK)
	svc := newTestService(t, srv.URL)

	first, err := svc.ResolveOrCreate(context.Background(), "alice")
	if err != nil {
		t.Fatalf("ResolveOrCreate failed: %v", err)
	}
	if first.Country == nil || *first.Country != "IN" {
		t.Errorf("country = %v, want IN", first.Country)
	}

	second, err := svc.ResolveOrCreate(context.Background(), "alice")
	if err != nil {
		t.Fatalf("second ResolveOrCreate failed: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("same name resolved to a different user: %s vs %s", second.ID, first.ID)
	}

	other, err := svc.ResolveOrCreate(context.Background(), "bob")
	if err != nil {
		t.Fatalf("ResolveOrCreate for bob failed: %v", err)
	}
	if other.ID == first.ID {
		t.Error("distinct names share a user id")
	}
}

func TestResolveOrCreateTrimsName(t *testing.T) {
	srv := ipinfoServer(t, "IN", http.StatusOK)
	svc := newTestService(t, srv.URL)

	first, err := svc.ResolveOrCreate(context.Background(), "  alice  ")
	if err != nil {
		t.Fatalf("ResolveOrCreate failed: %v", err)
	}
	if first.Name != "alice" {
		t.Errorf("name = %q, want trimmed", first.Name)
	}

	second, err := svc.ResolveOrCreate(context.Background(), "alice")
	if err != nil {
		t.Fatalf("ResolveOrCreate failed: %v", err)
	}
	if second.ID != first.ID {
		t.Error("padded and plain name resolved to different users")
	}
}

func TestResolveOrCreateRejectsEmptyName(t *testing.T) {
	srv := ipinfoServer(t, "IN", http.StatusOK)
	svc := newTestService(t, srv.URL)

	if _, err := svc.ResolveOrCreate(context.Background(), "   "); !errors.Is(err, domain.ErrAuth) {
		t.Errorf("ResolveOrCreate with blank name = %v, want ErrAuth", err)
	}
}

func TestResolveOrCreateSurvivesLocationFailure(t *testing.T) {
	srv := ipinfoServer(t, "", http.StatusInternalServerError)
	svc := newTestService(t, srv.URL)

	user, err := svc.ResolveOrCreate(context.Background(), "alice")
	if err != nil {
		t.Fatalf("ResolveOrCreate failed: %v", err)
	}
	if user.Country != nil {
		t.Errorf("country = %v, want nil after lookup failure", *user.Country)
	}
}

func TestRehydrateRestoresSession(t *testing.T) {
	srv := ipinfoServer(t, "DE", http.StatusOK)
	svc := newTestService(t, srv.URL)

	created, err := svc.ResolveOrCreate(context.Background(), "alice")
	if err != nil {
		t.Fatalf("ResolveOrCreate failed: %v", err)
	}

	restored, err := svc.Rehydrate(context.Background())
	if err != nil {
		t.Fatalf("Rehydrate failed: %v", err)
	}
	if restored == nil {
		t.Fatal("Rehydrate returned no user despite a fresh session")
	}
	if restored.ID != created.ID || restored.Name != "alice" {
		t.Errorf("restored (%s, %s), want (%s, alice)", restored.ID, restored.Name, created.ID)
	}

	if err := svc.ClearSession(); err != nil {
		t.Fatalf("ClearSession failed: %v", err)
	}
	restored, err = svc.Rehydrate(context.Background())
	if err != nil {
		t.Fatalf("Rehydrate after clear failed: %v", err)
	}
	if restored != nil {
		t.Error("Rehydrate returned a user after the session was cleared")
	}
}

func TestRehydrateClearsUnusableToken(t *testing.T) {
	srv := ipinfoServer(t, "DE", http.StatusOK)
	svc := newTestService(t, srv.URL)

	if err := os.WriteFile(svc.file, []byte("not a token"), 0o600); err != nil {
		t.Fatalf("failed to seed session file: %v", err)
	}

	user, err := svc.Rehydrate(context.Background())
	if err != nil {
		t.Fatalf("Rehydrate failed: %v", err)
	}
	if user != nil {
		t.Error("Rehydrate accepted a garbage token")
	}
	if _, err := os.Stat(svc.file); !os.IsNotExist(err) {
		t.Error("unusable session file was not cleared")
	}
}

func TestClearSessionIsIdempotent(t *testing.T) {
	srv := ipinfoServer(t, "DE", http.StatusOK)
	svc := newTestService(t, srv.URL)

	if err := svc.ClearSession(); err != nil {
		t.Fatalf("ClearSession with no session failed: %v", err)
	}
	if err := svc.ClearSession(); err != nil {
		t.Fatalf("repeated ClearSession failed: %v", err)
	}
}
