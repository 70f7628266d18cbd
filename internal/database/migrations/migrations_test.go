package migrations

import (
	"errors"
	"io"
	"io/fs"
	"strings"
	"testing"
)

func TestSourceVersionsAreReversible(t *testing.T) {
	src, err := Source()
	if err != nil {
		t.Fatalf("source: %v", err)
	}
	defer src.Close()

	v, err := src.First()
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	var versions []uint
	for {
		versions = append(versions, v)

		up, ident, err := src.ReadUp(v)
		if err != nil {
			t.Fatalf("read up %d: %v", v, err)
		}
		body, _ := io.ReadAll(up)
		up.Close()
		if len(strings.TrimSpace(string(body))) == 0 {
			t.Fatalf("migration %d (%s) is empty", v, ident)
		}

		down, _, err := src.ReadDown(v)
		if err != nil {
			t.Fatalf("read down %d: %v", v, err)
		}
		down.Close()

		next, err := src.Next(v)
		if errors.Is(err, fs.ErrNotExist) {
			break
		}
		if err != nil {
			t.Fatalf("next after %d: %v", v, err)
		}
		v = next
	}

	if len(versions) != 2 || versions[0] != 1 || versions[1] != 2 {
		t.Fatalf("unexpected versions: %v", versions)
	}
}

func TestFirstMigrationCreatesRelayTable(t *testing.T) {
	src, err := Source()
	if err != nil {
		t.Fatalf("source: %v", err)
	}
	defer src.Close()

	up, _, err := src.ReadUp(1)
	if err != nil {
		t.Fatalf("read up: %v", err)
	}
	defer up.Close()
	body, err := io.ReadAll(up)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "CREATE TABLE IF NOT EXISTS relay_txs") {
		t.Fatalf("unexpected first migration:\n%s", body)
	}
}

func TestUpRejectsUnknownDriver(t *testing.T) {
	if err := Up("nosuchdb://localhost/relay"); err == nil {
		t.Fatal("expected error for unknown database driver")
	}
}
