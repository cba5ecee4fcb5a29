package secrets_test

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/Strob0t/crabwalk/internal/secrets"
)

func TestNewVaultLoaderError(t *testing.T) {
	_, err := secrets.NewVault(func() (map[string]string, error) {
		return nil, errors.New("connection refused")
	})
	if err == nil {
		t.Fatal("expected error from failing loader")
	}
}

func TestVaultReload(t *testing.T) {
	calls := 0
	v, err := secrets.NewVault(func() (map[string]string, error) {
		calls++
		switch calls {
		case 1:
			return map[string]string{secrets.GatewayToken: "old"}, nil
		case 2:
			return map[string]string{secrets.GatewayToken: "new"}, nil
		}
		return nil, errors.New("source gone")
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := v.Get(secrets.GatewayToken); got != "old" {
		t.Fatalf("got %q, want old", got)
	}

	if err := v.Reload(); err != nil {
		t.Fatal(err)
	}
	if got := v.Get(secrets.GatewayToken); got != "new" {
		t.Fatalf("after reload got %q, want new", got)
	}

	// A failed reload keeps the previous values.
	if err := v.Reload(); err == nil {
		t.Fatal("expected reload error")
	}
	if got := v.Get(secrets.GatewayToken); got != "new" {
		t.Fatalf("after failed reload got %q, want new", got)
	}
	if got := v.Get("missing"); got != "" {
		t.Errorf("missing key = %q", got)
	}
}

func TestFileLoader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("  tok-1\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	v, err := secrets.NewVault(secrets.FileLoader(map[string]string{secrets.GatewayToken: path}))
	if err != nil {
		t.Fatal(err)
	}
	if got := v.Get(secrets.GatewayToken); got != "tok-1" {
		t.Fatalf("got %q, want tok-1", got)
	}

	if err := os.WriteFile(path, []byte("tok-2\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := v.Reload(); err != nil {
		t.Fatal(err)
	}
	if got := v.Get(secrets.GatewayToken); got != "tok-2" {
		t.Fatalf("after rotation got %q, want tok-2", got)
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := v.Reload(); err == nil {
		t.Fatal("expected error for missing file")
	}
	if got := v.Get(secrets.GatewayToken); got != "tok-2" {
		t.Errorf("failed reload replaced token with %q", got)
	}
}

func TestVaultConcurrentAccess(t *testing.T) {
	v, _ := secrets.NewVault(func() (map[string]string, error) {
		return map[string]string{secrets.GatewayToken: "x"}, nil
	})

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = v.Get(secrets.GatewayToken)
		}()
		go func() {
			defer wg.Done()
			_ = v.Reload()
		}()
	}
	wg.Wait()
}
