package cmd

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/marcus/medsync/internal/crypto"
	"github.com/marcus/medsync/internal/syncerr"
)

// setupSite initializes a config and database in a temp dir and points the
// global --config at it.
func setupSite(t *testing.T, nickname string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "medsync.yaml")

	old := configPath
	configPath = path
	t.Cleanup(func() { configPath = old })

	if _, _, err := initialize(context.Background(), path, filepath.Join(dir, "data", "medsync.db"), nickname); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return dir
}

func TestInitializeWritesConfigAndIdentity(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "medsync.yaml")
	dbPath := filepath.Join(dir, "data", "medsync.db")

	info, created, err := initialize(context.Background(), path, dbPath, "site-a")
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if !created {
		t.Error("expected config to be written")
	}
	if info.ID == "" || info.Nickname != "site-a" {
		t.Errorf("server info = %+v", info)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("database not created: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if !strings.Contains(string(data), "max_retry_count: 5") {
		t.Errorf("config lacks explicit engine parameters:\n%s", data)
	}

	// Second run keeps the identity and the config.
	again, created, err := initialize(context.Background(), path, dbPath, "other")
	if err != nil {
		t.Fatalf("second initialize: %v", err)
	}
	if created {
		t.Error("config rewritten on second init")
	}
	if again.ID != info.ID || again.Nickname != "site-a" {
		t.Errorf("identity changed: %+v -> %+v", info, again)
	}
}

func TestOpenAppUsesInitializedSite(t *testing.T) {
	setupSite(t, "clinic")

	a, err := openApp(context.Background())
	if err != nil {
		t.Fatalf("openApp: %v", err)
	}
	defer a.Close()

	if a.engine.Self().Nickname != "clinic" {
		t.Errorf("self = %+v", a.engine.Self())
	}
}

func TestOpenAppWithoutInit(t *testing.T) {
	old := configPath
	configPath = filepath.Join(t.TempDir(), "missing.yaml")
	defer func() { configPath = old }()

	if _, err := openApp(context.Background()); err == nil {
		t.Fatal("expected error without config")
	}
}

func TestSyncTargetsWithoutParent(t *testing.T) {
	setupSite(t, "root")
	a, err := openApp(context.Background())
	if err != nil {
		t.Fatalf("openApp: %v", err)
	}
	defer a.Close()

	_, err = syncTargets(context.Background(), a.engine, nil, true)
	if !syncerr.IsUnknownPeer(err) {
		t.Fatalf("expected UnknownPeer, got %v", err)
	}
}

func TestWritePayloadPlain(t *testing.T) {
	dir := t.TempDir()
	path, err := writePayload(dir, "tx.xml", []byte("<transmission/>"), "")
	if err != nil {
		t.Fatalf("writePayload: %v", err)
	}
	if path != filepath.Join(dir, "tx.xml") {
		t.Errorf("path = %s", path)
	}
	got, err := readPayload(path, "")
	if err != nil || string(got) != "<transmission/>" {
		t.Fatalf("readPayload = %q, %v", got, err)
	}
}

func TestWritePayloadSealed(t *testing.T) {
	dir := t.TempDir()
	path, err := writePayload(filepath.Join(dir, "out.xml"), "ignored.xml", []byte("<response/>"), "s3cret")
	if err != nil {
		t.Fatalf("writePayload: %v", err)
	}
	if !strings.HasSuffix(path, "out.xml.sealed") {
		t.Errorf("path = %s", path)
	}
	raw, _ := os.ReadFile(path)
	if !crypto.IsSealed(raw) {
		t.Fatal("file not sealed")
	}

	if _, err := readPayload(path, ""); !syncerr.Is(err, syncerr.InvalidArgument) {
		t.Errorf("missing passphrase: got %v", err)
	}
	if _, err := readPayload(path, "wrong"); !syncerr.IsMalformed(err) {
		t.Errorf("wrong passphrase: got %v", err)
	}
	got, err := readPayload(path, "s3cret")
	if err != nil || string(got) != "<response/>" {
		t.Fatalf("readPayload = %q, %v", got, err)
	}
}

func TestReadJSONArg(t *testing.T) {
	file := filepath.Join(t.TempDir(), "p.json")
	os.WriteFile(file, []byte(`{"name":"Ada"}`+"\n"), 0644)

	tests := []struct {
		arg     string
		want    string
		wantErr bool
	}{
		{`{"a":1}`, `{"a":1}`, false},
		{"@" + file, `{"name":"Ada"}`, false},
		{`[1,2]`, "", true},
		{`not json`, "", true},
	}
	for _, tc := range tests {
		got, err := readJSONArg(tc.arg)
		if tc.wantErr {
			if err == nil {
				t.Errorf("readJSONArg(%q) expected error", tc.arg)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("readJSONArg(%q) = %q, %v", tc.arg, got, err)
		}
	}
}

func TestCommandTree(t *testing.T) {
	paths := [][]string{
		{"init"}, {"backfill"}, {"sync"}, {"export"}, {"import"}, {"import-response"}, {"history"},
		{"stats"}, {"records", "list"}, {"records", "show"}, {"records", "reset"}, {"records", "remove"},
		{"entity", "put"}, {"entity", "get"}, {"entity", "delete"},
		{"peers", "add"}, {"peers", "list"}, {"peers", "show"}, {"peers", "update"}, {"peers", "remove"},
		{"peers", "policy"}, {"peers", "rotate-token"}, {"peers", "ping"}, {"version"},
		{"archive", "list"}, {"archive", "get"},
	}
	for _, p := range paths {
		c, _, err := rootCmd.Find(p)
		if err != nil || c.Name() != p[len(p)-1] {
			t.Errorf("command %v not registered", p)
		}
	}
}
