package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tbourn/biobank-intake/internal/app"
	"github.com/tbourn/biobank-intake/internal/remote/remotetest"
	"github.com/tbourn/biobank-intake/internal/services"
)

// setEnv points the configuration at a fresh data directory.
func setEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for k, v := range map[string]string{
		"DATA_DIR":          dir,
		"DB_PATH":           "",
		"LOCAL_FILE_XLSX":   "",
		"LOCAL_FILE_CSV":    "",
		"LOCK_FILE":         "",
		"SECRETS_FILE":      "",
		"REMOTE_HOST":       "",
		"SMTP_HOST":         "",
		"NOTIFY_RECIPIENTS": "",
		"GIN_MODE":          "test",
		"LOG_LEVEL":         "error",
		"OTEL_ENABLED":      "false",
		"PORT":              "0",
		"INTAKE_SESSION":    "cli-test",
	} {
		t.Setenv(k, v)
	}
	return dir
}

func withRemote(t *testing.T) *remotetest.Server {
	t.Helper()
	t.Setenv("REMOTE_HOST", "sftp.test")
	t.Setenv("REMOTE_USER", "intake")
	t.Setenv("REMOTE_DIR", "/upload")
	return remotetest.NewServer()
}

func run(t *testing.T, ctx context.Context, opts []app.Option, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := NewRootCmd(opts...)
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err = root.ExecuteContext(ctx)
	return out.String(), errOut.String(), err
}

func writeAnswers(t *testing.T, dir, body string) string {
	t.Helper()
	p := filepath.Join(dir, "resp.json")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestSubmit_SyncsAndReplays(t *testing.T) {
	dir := setEnv(t)
	srv := withRemote(t)
	if err := srv.WriteFile("/upload/identificacion.csv", []byte("id,prefijo\n1,PB\n2,CB\n")); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}
	opts := []app.Option{app.WithDialer(srv.Dialer())}
	file := writeAnswers(t, dir, `{"Nombre":"Ana","Edad":41}`)

	stdout, _, err := run(t, context.Background(), opts, "submit", "--file", file, "--prefix", "PB")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	var out services.Outcome
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		t.Fatalf("json: %v (%s)", err, stdout)
	}
	if out.SampleID != "PB000003" || out.State != "synced" || out.SessionID != "cli-test" || out.Replayed {
		t.Fatalf("unexpected outcome: %+v", out)
	}

	stdout, _, err = run(t, context.Background(), opts, "submit", "--file", file)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	var again services.Outcome
	if err := json.Unmarshal([]byte(stdout), &again); err != nil {
		t.Fatalf("json: %v", err)
	}
	if !again.Replayed || again.SampleID != "PB000003" {
		t.Fatalf("expected replay, got %+v", again)
	}

	ledger, err := srv.ReadFile("/upload/identificacion.csv")
	if err != nil || string(ledger) != "id,prefijo\n1,PB\n2,CB\n3,PB\n" {
		t.Fatalf("remote ledger = %q, %v", ledger, err)
	}
}

func TestSubmit_ControlDonorFromStdinWithoutRemote(t *testing.T) {
	setEnv(t)
	var out, errOut bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(strings.NewReader(`{"Nombre":"Luis"}`))
	root.SetArgs([]string{"submit", "-f", "-", "--origin", "Donador control", "--key", "k1", "--session", "s1"})
	if err := root.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("submit: %v", err)
	}

	var o services.Outcome
	if err := json.Unmarshal(out.Bytes(), &o); err != nil {
		t.Fatalf("json: %v", err)
	}
	if o.SampleID != "CB000001" || o.State != "persisted" || o.SessionID != "s1" {
		t.Fatalf("unexpected outcome: %+v", o)
	}
	if !strings.Contains(errOut.String(), "warning:") {
		t.Fatalf("expected warnings on stderr, got %q", errOut.String())
	}
}

func TestSubmit_InvalidJSON(t *testing.T) {
	dir := setEnv(t)
	file := writeAnswers(t, dir, `[1,2]`)
	if _, _, err := run(t, context.Background(), nil, "submit", "--file", file); err == nil {
		t.Fatal("expected error for a non-object answers file")
	}
}

func TestRetry_UnknownAttempt(t *testing.T) {
	setEnv(t)
	_, _, err := run(t, context.Background(), nil, "retry", "--key", "nope")
	if !errors.Is(err, services.ErrAttemptNotFound) {
		t.Fatalf("err = %v; want ErrAttemptNotFound", err)
	}
}

func TestPullPush_LocalOnly(t *testing.T) {
	dir := setEnv(t)

	stdout, stderr, err := run(t, context.Background(), nil, "pull")
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if !strings.HasPrefix(stdout, "pull: done") || !strings.Contains(stderr, "warning:") {
		t.Fatalf("stdout=%q stderr=%q", stdout, stderr)
	}
	if _, err := os.Stat(filepath.Join(dir, "identificacion.csv")); err != nil {
		t.Fatalf("ledger not initialized: %v", err)
	}

	if stdout, _, err = run(t, context.Background(), nil, "push"); err != nil || !strings.HasPrefix(stdout, "push: done") {
		t.Fatalf("push: %q, %v", stdout, err)
	}
}

func TestPull_DownloadsSeededLedger(t *testing.T) {
	dir := setEnv(t)
	srv := withRemote(t)
	if err := srv.WriteFile("/upload/identificacion.csv", []byte("id,prefijo\n1,CB\n")); err != nil {
		t.Fatal(err)
	}

	stdout, _, err := run(t, context.Background(), []app.Option{app.WithDialer(srv.Dialer())}, "pull")
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if !strings.HasPrefix(stdout, "pull: done") {
		t.Fatalf("stdout=%q", stdout)
	}
	got, err := os.ReadFile(filepath.Join(dir, "identificacion.csv"))
	if err != nil || string(got) != "id,prefijo\n1,CB\n" {
		t.Fatalf("local ledger = %q, %v", got, err)
	}
}

func TestEnvFile(t *testing.T) {
	dir := setEnv(t)
	t.Setenv("INTAKE_SESSION", "")
	os.Unsetenv("INTAKE_SESSION")

	env := filepath.Join(dir, "intake.env")
	if err := os.WriteFile(env, []byte("INTAKE_SESSION=from-env-file\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	file := writeAnswers(t, dir, `{"Nombre":"Eva"}`)

	stdout, _, err := run(t, context.Background(), nil, "--env-file", env, "submit", "--file", file)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !strings.Contains(stdout, `"session_id": "from-env-file"`) {
		t.Fatalf("stdout=%s", stdout)
	}

	if _, _, err := run(t, context.Background(), nil, "--env-file", filepath.Join(dir, "missing.env"), "pull"); err == nil {
		t.Fatal("expected error for an explicit missing env file")
	}
}

func TestConfigError(t *testing.T) {
	setEnv(t)
	t.Setenv("LOG_LEVEL", "loud")
	if _, _, err := run(t, context.Background(), nil, "pull"); err == nil {
		t.Fatal("expected config error")
	}
}

func TestServe_StopsOnCancel(t *testing.T) {
	setEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := run(t, ctx, nil, "serve"); err != nil {
		t.Fatalf("serve: %v", err)
	}
}
