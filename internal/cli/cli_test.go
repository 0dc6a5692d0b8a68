package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartcal/internal/calendar"
	"smartcal/internal/config"
	appLog "smartcal/internal/log"
	"smartcal/internal/model"
	"smartcal/internal/reconcile"
	"smartcal/internal/remote"
)

func TestMain(m *testing.M) {
	appLog.SetOutput(io.Discard)
	m.Run()
}

// writeConfig writes a config for a fresh workspace and returns its path.
func writeConfig(t *testing.T, remoteURL string) string {
	t.Helper()
	t.Setenv(config.EnvHuggingFaceToken, "")
	t.Setenv(config.EnvCalendarToken, "")

	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DatabasePath = filepath.Join(dir, "smartcal.sqlite")
	cfg.AutoSync = false
	cfg.Remote.BaseURL = remoteURL
	cfg.Remote.MaxRetries = 0
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, cfg.Save(path))
	return path
}

func run(t *testing.T, cfgPath string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	full := append([]string{"--config", cfgPath, "--env-file", filepath.Join(filepath.Dir(cfgPath), ".env")}, args...)
	cmd.SetArgs(full)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// fakeRemote serves the remote calendar JSON dialect from a remote.Memory.
func fakeRemote(t *testing.T) (*remote.Memory, string) {
	t.Helper()
	mem := remote.NewMemory()
	const prefix = "/calendars/primary/events"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, prefix), "/")
		var (
			out any
			err error
		)
		switch r.Method {
		case http.MethodGet:
			from, _ := time.Parse(time.RFC3339, r.URL.Query().Get("timeMin"))
			to, _ := time.Parse(time.RFC3339, r.URL.Query().Get("timeMax"))
			var items []model.RemoteEvent
			items, err = mem.ListEvents(ctx, from, to)
			out = map[string]any{"items": items}
		case http.MethodPost, http.MethodPut:
			var ev model.RemoteEvent
			if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if r.Method == http.MethodPost {
				out, err = mem.Create(ctx, ev)
			} else {
				ev.ID = id
				out, err = mem.Update(ctx, ev)
			}
		case http.MethodDelete:
			err = mem.Delete(ctx, id)
		}
		if errors.Is(err, remote.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	}))
	t.Cleanup(srv.Close)
	return mem, srv.URL
}

func TestAddListDelete(t *testing.T) {
	cfg := writeConfig(t, "")

	out, err := run(t, cfg, "add", "Dentist", "tomorrow", "at", "2pm")
	require.NoError(t, err)
	var res calendar.EventResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "Dentist", res.Event.Title)
	assert.False(t, res.Pushed)

	out, err = run(t, cfg, "list", "--days", "3")
	require.NoError(t, err)
	var events []model.Event
	require.NoError(t, json.Unmarshal([]byte(out), &events))
	require.Len(t, events, 1)
	assert.Equal(t, res.Event.ID, events[0].ID)

	_, err = run(t, cfg, "delete", res.Event.ID)
	require.NoError(t, err)

	out, err = run(t, cfg, "list", "--days", "3")
	require.NoError(t, err)
	assert.Equal(t, "[]", strings.TrimSpace(out))
}

func TestAddRejectsEmptyPrompt(t *testing.T) {
	cfg := writeConfig(t, "")
	_, err := run(t, cfg, "add", "   ")
	assert.ErrorIs(t, err, model.ErrParse)

	_, err = run(t, cfg, "add")
	assert.Error(t, err)
}

func TestExportImport(t *testing.T) {
	src := writeConfig(t, "")
	_, err := run(t, src, "add", "Standup tomorrow at 9:15am")
	require.NoError(t, err)

	icsPath := filepath.Join(t.TempDir(), "out.ics")
	_, err = run(t, src, "export", "-o", icsPath)
	require.NoError(t, err)
	data, err := os.ReadFile(icsPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "SUMMARY:Standup")

	dst := writeConfig(t, "")
	out, err := run(t, dst, "import", icsPath)
	require.NoError(t, err)
	var res calendar.ImportResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 1, res.Imported)
}

func TestSyncWithoutRemote(t *testing.T) {
	cfg := writeConfig(t, "")
	_, err := run(t, cfg, "sync")
	assert.ErrorIs(t, err, calendar.ErrSyncDisabled)
}

func TestSyncAgainstRemote(t *testing.T) {
	mem, url := fakeRemote(t)
	cfg := writeConfig(t, url)

	out, err := run(t, cfg, "add", "Review tomorrow at 4pm")
	require.NoError(t, err)
	var added calendar.EventResult
	require.NoError(t, json.Unmarshal([]byte(out), &added))
	assert.True(t, added.Pushed)
	assert.Equal(t, 1, mem.Len())

	start := time.Now().UTC().Truncate(time.Hour).Add(72 * time.Hour)
	mem.Put(model.RemoteEvent{Title: "Offsite", Start: start, End: start.Add(2 * time.Hour), Timezone: "UTC"})

	out, err = run(t, cfg, "sync")
	require.NoError(t, err)
	var res reconcile.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 1, res.Pulled)
	assert.Equal(t, 0, res.Pushed)

	_, err = run(t, cfg, "delete", added.Event.ID)
	require.NoError(t, err)
	out, err = run(t, cfg, "sync")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 1, res.Deleted)
	assert.Equal(t, 1, mem.Len())
}

func TestStatus(t *testing.T) {
	cfg := writeConfig(t, "")
	out, err := run(t, cfg, "--pretty", "status")
	require.NoError(t, err)

	var st struct {
		Config string          `json:"config"`
		Health calendar.Health `json:"health"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, cfg, st.Config)
	assert.Equal(t, "ok", st.Health.Status)
	assert.Equal(t, "rules", st.Health.Parser)
	assert.False(t, st.Health.SyncEnabled)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(errors.New("x")))
	assert.Equal(t, 130, ExitCode(context.Canceled))
}
