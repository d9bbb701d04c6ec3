package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// response is CLIResponse with a typed payload.
type response[T any] struct {
	Status string    `json:"status"`
	Data   T         `json:"data"`
	Error  *CLIError `json:"error"`
}

type entityData struct {
	Entity map[string]any `json:"entity"`
}

type pageData struct {
	Items     []map[string]any `json:"items"`
	NextToken string           `json:"nextToken"`
}

// workspace isolates a test from the host environment and returns a fresh
// database path.
func workspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, k := range []string{"CONFIG", "REMOTE", "DATABASE", "SCHEMA_DIR", "LOG_LEVEL", "LOG_FORMAT"} {
		t.Setenv("REPLICA_"+k, "")
	}
	return filepath.Join(dir, "replica.db")
}

// execute runs the root command and returns stdout.
func execute(t *testing.T, db string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	base := []string{"--format", "json", "--env-file", filepath.Join(t.TempDir(), "none.env")}
	if db != "" {
		base = append(base, "--db", db)
	}
	cmd.SetArgs(append(args, base...))
	err := cmd.Execute()
	return out.String(), err
}

func decode[T any](t *testing.T, out string) response[T] {
	t.Helper()
	var resp response[T]
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	return resp
}

func mustRun(t *testing.T, db string, args ...string) string {
	t.Helper()
	out, err := execute(t, db, args...)
	require.NoError(t, err, out)
	return out
}

func TestCreateGetQuery(t *testing.T) {
	db := workspace(t)

	out := mustRun(t, db, "create", "Post", "--id", "p1", "--fields", `{"title":"Hello","status":"DRAFT","rating":3}`)
	created := decode[entityData](t, out)
	assert.Equal(t, "ok", created.Status)
	assert.Equal(t, "p1", created.Data.Entity["id"])
	assert.Equal(t, "Post", created.Data.Entity["__typename"])
	assert.NotEmpty(t, created.Data.Entity["createdAt"])

	mustRun(t, db, "create", "Post", "--id", "p2", "--fields", `{"title":"World","status":"PUBLISHED","rating":5}`)

	got := decode[entityData](t, mustRun(t, db, "get", "Post", "p1"))
	assert.Equal(t, "Hello", got.Data.Entity["title"])

	page := decode[pageData](t, mustRun(t, db, "query", "Post", "--filter", `{"rating":{"gt":3}}`))
	require.Len(t, page.Data.Items, 1)
	assert.Equal(t, "p2", page.Data.Items[0]["id"])

	page = decode[pageData](t, mustRun(t, db, "query", "Post", "--sort", "rating:desc", "--limit", "1"))
	require.Len(t, page.Data.Items, 1)
	assert.Equal(t, "p2", page.Data.Items[0]["id"])
	require.NotEmpty(t, page.Data.NextToken)

	page = decode[pageData](t, mustRun(t, db, "query", "Post", "--sort", "rating:desc", "--limit", "1", "--cursor", page.Data.NextToken))
	require.Len(t, page.Data.Items, 1)
	assert.Equal(t, "p1", page.Data.Items[0]["id"])
	assert.Empty(t, page.Data.NextToken)
}

func TestCreateValidationError(t *testing.T) {
	db := workspace(t)

	out, err := execute(t, db, "create", "Post", "--fields", `{"title":"No status"}`)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	resp := decode[any](t, out)
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, "VALIDATION", resp.Error.Code)
}

func TestGetNotFound(t *testing.T) {
	db := workspace(t)

	out, err := execute(t, db, "get", "Post", "missing")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Equal(t, "NOT_FOUND", decode[any](t, out).Error.Code)
}

func TestUpdateWithCondition(t *testing.T) {
	db := workspace(t)
	mustRun(t, db, "create", "Post", "--id", "p1", "--fields", `{"title":"Hello","status":"DRAFT","rating":3,"content":"body"}`)

	out, err := execute(t, db, "update", "Post", "p1", "--fields", `{"rating":4}`, "--condition", `{"rating":{"gt":3}}`)
	require.Error(t, err)
	assert.Equal(t, "CONDITION_FAILED", decode[any](t, out).Error.Code)

	updated := decode[entityData](t, mustRun(t, db, "update", "Post", "p1", "--fields", `{"rating":4,"content":null}`, "--condition", `{"rating":{"eq":3}}`))
	assert.Equal(t, float64(4), updated.Data.Entity["rating"])
	assert.NotContains(t, updated.Data.Entity, "content")
	assert.Equal(t, "Hello", updated.Data.Entity["title"])

	out, err = execute(t, db, "update", "Post", "p1", "--fields", `{"title":null}`)
	require.Error(t, err)
	assert.Equal(t, "VALIDATION", decode[any](t, out).Error.Code)
}

func TestDeleteCascadesAndChildren(t *testing.T) {
	db := workspace(t)
	mustRun(t, db, "create", "Post", "--id", "p1", "--fields", `{"title":"Hello","status":"DRAFT"}`)
	mustRun(t, db, "create", "Comment", "--id", "c1", "--fields", `{"postID":"p1","content":"first"}`)
	mustRun(t, db, "create", "Comment", "--id", "c2", "--fields", `{"postID":"p1","content":"second"}`)

	page := decode[pageData](t, mustRun(t, db, "query", "-", "--parent", "Post/p1/comments"))
	require.Len(t, page.Data.Items, 2)
	assert.Equal(t, "c1", page.Data.Items[0]["id"])

	type deleteData struct {
		Deleted []struct {
			Entity   map[string]any   `json:"entity"`
			Cascaded []map[string]any `json:"cascaded"`
		} `json:"deleted"`
	}
	del := decode[deleteData](t, mustRun(t, db, "delete", "Post", "p1"))
	require.Len(t, del.Data.Deleted, 1)
	assert.Len(t, del.Data.Deleted[0].Cascaded, 2)

	page = decode[pageData](t, mustRun(t, db, "query", "Comment"))
	assert.Empty(t, page.Data.Items)
}

func TestDeleteWhere(t *testing.T) {
	db := workspace(t)
	mustRun(t, db, "create", "Post", "--id", "p1", "--fields", `{"title":"a","status":"DRAFT"}`)
	mustRun(t, db, "create", "Post", "--id", "p2", "--fields", `{"title":"b","status":"PUBLISHED"}`)

	mustRun(t, db, "delete", "Post", "--where", `{"status":{"eq":"DRAFT"}}`)

	page := decode[pageData](t, mustRun(t, db, "query", "Post"))
	require.Len(t, page.Data.Items, 1)
	assert.Equal(t, "p2", page.Data.Items[0]["id"])
}

func TestDeleteNeedsIDOrWhere(t *testing.T) {
	db := workspace(t)

	_, err := execute(t, db, "delete", "Post")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = execute(t, db, "delete", "Post", "p1", "--where", "{}")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRelated(t *testing.T) {
	db := workspace(t)
	mustRun(t, db, "create", "Post", "--id", "p1", "--fields", `{"title":"Hello","status":"DRAFT"}`)
	mustRun(t, db, "create", "User", "--id", "u1", "--fields", `{"username":"ada"}`)
	mustRun(t, db, "create", "User", "--id", "u2", "--fields", `{"username":"grace"}`)
	mustRun(t, db, "create", "PostEditor", "--id", "pe1", "--fields", `{"postID":"p1","editorID":"u2"}`)

	page := decode[pageData](t, mustRun(t, db, "related", "Post", "p1", "editors"))
	require.Len(t, page.Data.Items, 1)
	assert.Equal(t, "grace", page.Data.Items[0]["username"])
}

func TestSyncWithoutRemote(t *testing.T) {
	db := workspace(t)

	out, err := execute(t, db, "sync")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Equal(t, "COMMAND", decode[any](t, out).Error.Code)
}

func TestSyncDrainsOutbox(t *testing.T) {
	db := workspace(t)
	mustRun(t, db, "create", "Post", "--id", "p1", "--fields", `{"title":"Hello","status":"DRAFT"}`)
	mustRun(t, db, "update", "Post", "p1", "--fields", `{"rating":2}`)

	t.Setenv("REPLICA_REMOTE", "loopback")
	resp := decode[SyncResult](t, mustRun(t, db, "sync"))
	assert.Equal(t, 2, resp.Data.Submitted)
	assert.Equal(t, 0, resp.Data.Remaining)
	assert.EqualValues(t, 2, resp.Data.Stats.Acked)

	resp = decode[SyncResult](t, mustRun(t, db, "sync"))
	assert.Equal(t, 0, resp.Data.Submitted)
}

const replayEvents = `
- type: Post
  op: CREATE
  server_timestamp: "2024-01-01T00:00:05Z"
  entity: {id: p1, title: Remote, status: DRAFT}
- type: Post
  op: UPDATE
  server_timestamp: "2024-01-01T00:00:03Z"
  entity: {id: p1, title: Older, status: DRAFT}
- type: Post
  op: UPDATE
  server_timestamp: "2024-01-01T00:00:07Z"
  entity: {id: p1, title: Newer, status: PUBLISHED}
`

func writeEvents(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.yaml")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func TestReplayInFileOrder(t *testing.T) {
	db := workspace(t)
	path := writeEvents(t, replayEvents)

	resp := decode[ReplayResult](t, mustRun(t, db, "replay", path))
	require.Len(t, resp.Data.Events, 3)
	assert.Equal(t, "APPLIED", string(resp.Data.Events[0].Outcome))
	assert.Equal(t, "STALE", string(resp.Data.Events[1].Outcome))
	assert.Equal(t, "APPLIED", string(resp.Data.Events[2].Outcome))
	assert.EqualValues(t, 2, resp.Data.Stats.Applied)

	got := decode[entityData](t, mustRun(t, db, "get", "Post", "p1"))
	assert.Equal(t, "Newer", got.Data.Entity["title"])
	assert.Equal(t, "2024-01-01T00:00:07.000000000Z", got.Data.Entity["updatedAt"])
}

func TestReplayReorder(t *testing.T) {
	db := workspace(t)
	path := writeEvents(t, replayEvents)

	resp := decode[ReplayResult](t, mustRun(t, db, "replay", path, "--reorder"))
	assert.Empty(t, resp.Data.Events)
	assert.Equal(t, 3, resp.Data.Total)
	assert.EqualValues(t, 3, resp.Data.Stats.Applied)

	got := decode[entityData](t, mustRun(t, db, "get", "Post", "p1"))
	assert.Equal(t, "Newer", got.Data.Entity["title"])
}

func TestParseEvents(t *testing.T) {
	events, err := ParseEvents([]byte(`[{"type":"Comment","op":"DELETE","server_timestamp":"2024-01-01T00:00:01Z","entity":{"id":"c1"}}]`))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "Comment", events[0].Entity.Type)

	_, err = ParseEvents([]byte(`[{"type":"Post","op":"UPSERT","server_timestamp":"2024-01-01T00:00:01Z","entity":{"id":"p1"}}]`))
	assert.ErrorContains(t, err, "invalid op")

	_, err = ParseEvents([]byte(`[{"type":"Post","op":"CREATE","entity":{"id":"p1"}}]`))
	assert.ErrorContains(t, err, "server_timestamp")
}

func TestSchemaCommand(t *testing.T) {
	workspace(t)

	type schemaData struct {
		Entities []struct {
			Name string `json:"name"`
		} `json:"entities"`
	}
	resp := decode[schemaData](t, mustRun(t, "", "schema"))
	var names []string
	for _, e := range resp.Data.Entities {
		names = append(names, e.Name)
	}
	assert.Contains(t, names, "Post")
	assert.Contains(t, names, "PostEditor")
}
