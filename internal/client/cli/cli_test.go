package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waterbug/repsync/internal/client/auth"
	"github.com/waterbug/repsync/internal/client/storage"
	"github.com/waterbug/repsync/internal/client/storage/boltdb"
	"github.com/waterbug/repsync/internal/models"
)

const (
	cliUserID     = "alice_smith"
	cliPassphrase = "correct horse battery staple"

	// A loopback port nothing listens on, so dials fail immediately.
	unreachableURL = "ws://127.0.0.1:1/ws"
)

// scriptIO stands in for the terminal: output is captured and prompts
// are answered from canned values.
type scriptIO struct {
	out        strings.Builder
	passphrase string
	input      string
}

func (s *scriptIO) Println(args ...any) { fmt.Fprintln(&s.out, args...) }

func (s *scriptIO) Printf(format string, args ...any) { fmt.Fprintf(&s.out, format, args...) }

func (s *scriptIO) ReadInput(string) (string, error) { return s.input, nil }

func (s *scriptIO) ReadPassword(string) (string, error) { return s.passphrase, nil }

func (s *scriptIO) Write(p []byte) (n int, err error) { return s.out.Write(p) }

// cliEnv isolates one test: a private home directory so no real config
// file leaks in, and a cache path every command points at.
type cliEnv struct {
	t      *testing.T
	home   string
	dbPath string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(PassphraseEnv, "")
	return &cliEnv{t: t, home: home, dbPath: filepath.Join(home, "cache.db")}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// runBare executes a command exactly as given, the way main would.
func (e *cliEnv) runBare(term *scriptIO, args ...string) (string, error) {
	e.t.Helper()
	root := New(term, "test").Root()
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return term.out.String(), err
}

func (e *cliEnv) baseArgs(args ...string) []string {
	return append([]string{"--db", e.dbPath, "--log-level", "error", "--call-timeout", "2s"}, args...)
}

// run executes a command against the test cache with quiet logging.
func (e *cliEnv) run(args ...string) (string, error) {
	e.t.Helper()
	return e.runBare(&scriptIO{passphrase: cliPassphrase}, e.baseArgs(args...)...)
}

// runAnswer is run with a canned answer for confirmation prompts.
func (e *cliEnv) runAnswer(answer string, args ...string) (string, error) {
	e.t.Helper()
	term := &scriptIO{passphrase: cliPassphrase, input: answer}
	return e.runBare(term, e.baseArgs(args...)...)
}

// login enrolls the test user offline. The unreachable endpoint keeps
// the post-enrollment handshake from blocking the test.
func (e *cliEnv) login(t *testing.T) {
	t.Helper()
	out, err := e.run("--server", unreachableURL, "login", cliUserID)
	require.NoError(t, err)
	require.Contains(t, out, "Logged in as "+cliUserID)
}

// seed writes objects straight into the cache file.
func (e *cliEnv) seed(t *testing.T, objs ...*models.ManagedObject) {
	t.Helper()
	ctx := context.Background()
	store, err := boltdb.New(ctx, e.dbPath)
	require.NoError(t, err)
	require.NoError(t, store.SaveObjects(ctx, objs))
	require.NoError(t, store.Close())
}

func cliObject(oid, cname, id string) *models.ManagedObject {
	return &models.ManagedObject{
		OID:        oid,
		ID:         id,
		CName:      cname,
		CreatorID:  cliUserID,
		ModifierID: cliUserID,
		ModTime:    time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
		Attrs:      json.RawMessage(`{"name":"` + id + `"}`),
	}
}

func TestLogin_OfflineEnrollment(t *testing.T) {
	e := newCLIEnv(t)

	out, err := e.run("--server", unreachableURL, "login", cliUserID)
	require.NoError(t, err)
	assert.Contains(t, out, "Logged in as "+cliUserID)
	assert.Contains(t, out, "Repository unreachable")
	assert.Contains(t, out, "Enrollment kept")
}

func TestLogin_WrongPassphrase(t *testing.T) {
	e := newCLIEnv(t)
	e.login(t)

	term := &scriptIO{passphrase: "not the enrollment passphrase"}
	_, err := e.runBare(term, e.baseArgs("--server", unreachableURL, "login", cliUserID)...)
	assert.ErrorIs(t, err, auth.ErrPassphraseMismatch)
}

func TestLogin_OtherUser(t *testing.T) {
	e := newCLIEnv(t)
	e.login(t)

	_, err := e.run("--server", unreachableURL, "login", "bob_jones")
	assert.ErrorIs(t, err, auth.ErrOtherUser)
}

func TestLogout(t *testing.T) {
	e := newCLIEnv(t)
	e.login(t)
	e.seed(t, cliObject("obj-1", "Product", "widget"))

	out, err := e.runAnswer("y", "logout")
	require.NoError(t, err)
	assert.Contains(t, out, "Logged out")

	out, err = e.run("status")
	require.NoError(t, err)
	assert.Contains(t, out, "Not logged in")
}

func TestLogout_Declined(t *testing.T) {
	e := newCLIEnv(t)
	e.login(t)

	out, err := e.runAnswer("", "logout")
	require.NoError(t, err)
	assert.Contains(t, out, "Aborted.")

	// The session survives a declined prompt.
	out, err = e.run("status")
	require.NoError(t, err)
	assert.Contains(t, out, "User:  "+cliUserID)
}

func TestLogout_YesFlag(t *testing.T) {
	e := newCLIEnv(t)
	e.login(t)

	out, err := e.run("logout", "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "Logged out")
}

func TestStatus(t *testing.T) {
	e := newCLIEnv(t)

	out, err := e.run("status")
	require.NoError(t, err)
	assert.Contains(t, out, "Not logged in")

	e.login(t)
	e.seed(t, cliObject("obj-1", "Product", "widget"))

	out, err = e.run("status")
	require.NoError(t, err)
	assert.Contains(t, out, "User:  "+cliUserID)
	assert.Contains(t, out, "Token: none")
	assert.Contains(t, out, "Cached objects:   1 (0 sandbox)")
	assert.Contains(t, out, "1 to push, 0 to delete")
	assert.Contains(t, out, "Library revision: ")
	assert.Contains(t, out, "Last sync global: never")
	assert.Contains(t, out, "Last sync library: never")
}

func TestStatus_TokenStates(t *testing.T) {
	e := newCLIEnv(t)
	e.login(t)

	saveToken := func(expires time.Time) {
		ctx := context.Background()
		store, err := boltdb.New(ctx, e.dbPath)
		require.NoError(t, err)
		defer func() { require.NoError(t, store.Close()) }()

		svc := auth.NewService(store, store, store, testLogger())
		id, err := svc.Unlock(ctx, cliPassphrase)
		require.NoError(t, err)
		require.NoError(t, svc.SaveToken(ctx, id, "uoid-1", "token-1", expires))
	}

	saveToken(time.Now().Add(time.Hour))
	out, err := e.run("status")
	require.NoError(t, err)
	assert.Contains(t, out, "OID:   uoid-1")
	assert.Contains(t, out, "Token: valid for")

	saveToken(time.Now().Add(-time.Hour))
	out, err = e.run("status")
	require.NoError(t, err)
	assert.Contains(t, out, "Token: expired")
}

func TestList(t *testing.T) {
	e := newCLIEnv(t)

	out, err := e.run("list")
	require.NoError(t, err)
	assert.Contains(t, out, "No objects.")

	e.seed(t,
		cliObject("obj-doc", "Document", "datasheet"),
		cliObject("obj-prod", "Product", "widget"))

	out, err = e.run("list")
	require.NoError(t, err)
	assert.Contains(t, out, "CLASS")
	assert.Contains(t, out, "obj-doc")
	assert.Contains(t, out, "obj-prod")
	// Sorted by class, Document lines come first.
	assert.Less(t, strings.Index(out, "obj-doc"), strings.Index(out, "obj-prod"))

	out, err = e.run("list", "--class", "Product")
	require.NoError(t, err)
	assert.Contains(t, out, "obj-prod")
	assert.NotContains(t, out, "obj-doc")

	out, err = e.run("list", "--creator", "bob_jones")
	require.NoError(t, err)
	assert.Contains(t, out, "No objects.")
}

func TestGet(t *testing.T) {
	e := newCLIEnv(t)
	e.seed(t, cliObject("obj-prod", "Product", "widget"))

	for _, args := range [][]string{
		{"get", "obj-prod"},
		{"get", "--class", "Product", "--id", "widget"},
	} {
		out, err := e.run(args...)
		require.NoError(t, err)
		assert.Contains(t, out, "OID:      obj-prod")
		assert.Contains(t, out, "Class:    Product")
		assert.Contains(t, out, `"name": "widget"`)
	}

	_, err := e.run("get", "missing-oid")
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)

	_, err = e.run("get")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "give an oid")

	_, err = e.run("get", "--class", "Product")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "give an oid")
}

func TestRm(t *testing.T) {
	e := newCLIEnv(t)
	e.login(t)
	e.seed(t, cliObject("obj-prod", "Product", "widget"))

	out, err := e.run("rm", "obj-prod")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted obj-prod")

	_, err = e.run("get", "obj-prod")
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)

	// The deletion left a record for the next sync to carry upstream.
	ctx := context.Background()
	store, err := boltdb.New(ctx, e.dbPath)
	require.NoError(t, err)
	defer func() { require.NoError(t, store.Close()) }()
	stones, err := store.Tombstones(ctx)
	require.NoError(t, err)
	require.Len(t, stones, 1)
	assert.Equal(t, "obj-prod", stones[0].OID)
	assert.Equal(t, models.OriginLocal, stones[0].Origin)
}

func TestRm_RequiresLogin(t *testing.T) {
	e := newCLIEnv(t)
	e.seed(t, cliObject("obj-prod", "Product", "widget"))

	_, err := e.run("rm", "obj-prod")
	assert.ErrorIs(t, err, auth.ErrNotLoggedIn)
}

func TestImport(t *testing.T) {
	e := newCLIEnv(t)
	e.login(t)

	objs := []*models.ManagedObject{
		{CName: "Product", ID: "widget", Attrs: json.RawMessage(`{"name":"widget"}`)},
		{OID: "fixed-oid", CName: "Document", ID: "datasheet", Attrs: json.RawMessage(`{"rev":1}`)},
	}
	content, err := json.Marshal(objs)
	require.NoError(t, err)
	file := filepath.Join(e.home, "objects.json")
	require.NoError(t, os.WriteFile(file, content, 0o600))

	out, err := e.run("import", file)
	require.NoError(t, err)
	assert.Contains(t, out, "Imported: 2 created, 0 updated, 0 skipped")

	// Re-importing updates the object with a known oid; the one without
	// an oid would collide on its identifier and is skipped.
	out, err = e.run("import", file)
	require.NoError(t, err)
	assert.Contains(t, out, "Imported: 0 created, 1 updated, 1 skipped")

	out, err = e.run("list")
	require.NoError(t, err)
	assert.Contains(t, out, "widget")
	assert.Contains(t, out, "datasheet")
}

func TestImport_EmptyFile(t *testing.T) {
	e := newCLIEnv(t)

	file := filepath.Join(e.home, "empty.json")
	require.NoError(t, os.WriteFile(file, []byte(`[]`), 0o600))

	// No login needed, the command stops before touching the cache.
	out, err := e.run("import", file)
	require.NoError(t, err)
	assert.Contains(t, out, "Nothing to import.")
}

func TestSync_NotLoggedIn(t *testing.T) {
	e := newCLIEnv(t)

	_, err := e.run("sync")
	assert.ErrorIs(t, err, auth.ErrNotLoggedIn)
}

func TestSync_Unreachable(t *testing.T) {
	e := newCLIEnv(t)
	e.login(t)

	_, err := e.run("--server", unreachableURL, "sync")
	assert.Error(t, err)
}

func TestConfigPrecedence(t *testing.T) {
	e := newCLIEnv(t)

	fileDB := filepath.Join(e.home, "fromfile.db")
	cfgPath := filepath.Join(e.home, "custom.toml")
	cfg := fmt.Sprintf("db_path = %q\nlog_level = \"error\"\n", fileDB)
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o600))

	// Without --db the cache lands where the file says.
	_, err := e.runBare(&scriptIO{passphrase: cliPassphrase}, "--config", cfgPath, "status")
	require.NoError(t, err)
	assert.FileExists(t, fileDB)

	// An explicit flag wins over the file.
	flagDB := filepath.Join(e.home, "fromflag.db")
	_, err = e.runBare(&scriptIO{passphrase: cliPassphrase}, "--config", cfgPath, "--db", flagDB, "status")
	require.NoError(t, err)
	assert.FileExists(t, flagDB)
}

func TestConfigDefaultPath(t *testing.T) {
	e := newCLIEnv(t)

	homeDB := filepath.Join(e.home, "homedb.db")
	dir := filepath.Join(e.home, ".repsync")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	cfg := fmt.Sprintf("db_path = %q\nlog_level = \"error\"\n", homeDB)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(cfg), 0o600))

	// No --config and no --db: the file under the home directory is
	// picked up on its own.
	_, err := e.runBare(&scriptIO{passphrase: cliPassphrase}, "status")
	require.NoError(t, err)
	assert.FileExists(t, homeDB)
}

func TestConfig_RejectsBadValues(t *testing.T) {
	e := newCLIEnv(t)

	_, err := e.run("--server", "http://example.com", "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ws or wss")

	_, err = e.run("--chunk-size", "0", "status")
	require.Error(t, err)

	_, err = e.run("--log-level", "loud", "status")
	require.Error(t, err)
}
