package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/orthanc-relay/internal/config"
)

// run executes the CLI with args and returns stdout
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := BuildCLI()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.Equal(t, "orthanc-relay", cmd.Use)
	assert.Equal(t, Version, cmd.Version)

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"clone", "forward", "replicate", "checkpoint", "config"} {
		assert.True(t, names[name], "missing %q command", name)
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "orthanc-relay.yaml", configFlag.DefValue)
}

func TestBuildCloneCommand(t *testing.T) {
	cmd := buildCloneCommand()

	assert.Equal(t, "clone", cmd.Use)
	assert.NotNil(t, cmd.RunE)
	assert.NotNil(t, cmd.Flags().Lookup("existing-only"))
	assert.NotNil(t, cmd.Flags().Lookup("mode"))
}

func TestCheckpointSetAndShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.checkpoint")
	t.Setenv("CHECKPOINT_BACKEND", config.BackendFile)
	t.Setenv("CHECKPOINT_PATH", path)
	missing := filepath.Join(t.TempDir(), "absent.yaml")

	out, err := run(t, "-c", missing, "checkpoint", "show")
	require.NoError(t, err)
	assert.Equal(t, "0\n", out)

	_, err = run(t, "-c", missing, "checkpoint", "set", "4242")
	require.NoError(t, err)

	out, err = run(t, "-c", missing, "checkpoint", "show")
	require.NoError(t, err)
	assert.Equal(t, "4242\n", out)
}

func TestCheckpointSetRejectsGarbage(t *testing.T) {
	t.Setenv("CHECKPOINT_PATH", filepath.Join(t.TempDir(), "relay.checkpoint"))

	_, err := run(t, "-c", filepath.Join(t.TempDir(), "absent.yaml"), "checkpoint", "set", "minus-one")
	assert.Error(t, err)
}

func TestCheckpointNoneBackend(t *testing.T) {
	t.Setenv("CHECKPOINT_BACKEND", config.BackendNone)

	_, err := run(t, "-c", filepath.Join(t.TempDir(), "absent.yaml"), "checkpoint", "show")
	assert.Error(t, err)
}

func TestConfigShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
source:
  url: http://source:8042
  password: hunter2
`), 0644))

	out, err := run(t, "--config", path, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "http://source:8042")
	assert.NotContains(t, out, "hunter2")
}

func TestConfigShowInvalid(t *testing.T) {
	t.Setenv("LOG_FORMAT", "xml")

	_, err := run(t, "-c", filepath.Join(t.TempDir(), "absent.yaml"), "config", "show")
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.Log
		wantErr bool
		check   func(t *testing.T, logged string)
	}{
		{
			name: "text",
			cfg:  config.Log{Level: "info", Format: "text"},
			check: func(t *testing.T, logged string) {
				assert.Contains(t, logged, "msg=hello")
				assert.NotContains(t, logged, "hidden")
			},
		},
		{
			name: "json debug",
			cfg:  config.Log{Level: "debug", Format: "json"},
			check: func(t *testing.T, logged string) {
				lines := strings.Split(strings.TrimSpace(logged), "\n")
				require.Len(t, lines, 2)
				var entry map[string]any
				require.NoError(t, json.Unmarshal([]byte(lines[1]), &entry))
				assert.Equal(t, "hello", entry["msg"])
			},
		},
		{
			name:    "bad level",
			cfg:     config.Log{Level: "loud", Format: "text"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger, err := newLogger(tt.cfg, &buf)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)

			logger.Debug("hidden")
			logger.Log(context.Background(), slog.LevelInfo, "hello")
			tt.check(t, buf.String())
		})
	}
}

// fakeOrthanc answers /system and serves one page of changes
func fakeOrthanc(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/system":
			_, _ = w.Write([]byte(`{"Name":"fake","Version":"1.12.0","OverwriteInstances":true}`))
		case "/changes":
			if r.URL.Query().Get("since") == "0" {
				_, _ = w.Write([]byte(`{"Changes":[{"Seq":7,"ChangeType":"StableSeries","ResourceType":"Series","ID":"se1"}],"Done":true,"Last":7}`))
				return
			}
			_, _ = w.Write([]byte(`{"Changes":[],"Done":true,"Last":7}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCloneExistingOnly(t *testing.T) {
	orthanc := fakeOrthanc(t)
	checkpointPath := filepath.Join(t.TempDir(), "relay.checkpoint")

	t.Setenv("SOURCE_URL", orthanc.URL)
	t.Setenv("DESTINATION_URL", orthanc.URL)
	t.Setenv("CHECKPOINT_PATH", checkpointPath)
	t.Setenv("METRICS_ADDR", "127.0.0.1:0")
	t.Setenv("POLLING_INTERVAL", "10ms")
	missing := filepath.Join(t.TempDir(), "absent.yaml")

	_, err := run(t, "-c", missing, "clone", "--existing-only")
	require.NoError(t, err)

	out, err := run(t, "-c", missing, "checkpoint", "show")
	require.NoError(t, err)
	assert.Equal(t, "7\n", out)
}

func TestCloneInvalidMode(t *testing.T) {
	t.Setenv("CHECKPOINT_PATH", filepath.Join(t.TempDir(), "relay.checkpoint"))

	_, err := run(t, "-c", filepath.Join(t.TempDir(), "absent.yaml"), "clone", "--mode", "Teleport")
	assert.Error(t, err)
}

func TestForwardWithoutDestination(t *testing.T) {
	_, err := run(t, "-c", filepath.Join(t.TempDir(), "absent.yaml"), "forward")
	assert.Error(t, err)
}

func TestReplicateWithoutDestination(t *testing.T) {
	_, err := run(t, "-c", filepath.Join(t.TempDir(), "absent.yaml"), "replicate")
	assert.Error(t, err)
}
