package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"barberloyalty/internal/vapid"
	"barberloyalty/pkg/rbac"
	"barberloyalty/pkg/util"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func configDir(t *testing.T, base string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "base.yaml"), []byte(base), 0o600))
	return dir
}

func TestRootRegistersCommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range NewRootCommand().Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "sweep", "migrate", "keys", "token"} {
		assert.True(t, names[want], want)
	}
}

func TestKeysGenerateThenCheck(t *testing.T) {
	out, err := run(t, "keys", "generate")
	require.NoError(t, err)

	env := map[string]string{}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		k, v, ok := strings.Cut(line, "=")
		require.True(t, ok, line)
		env[k] = v
	}
	_, err = vapid.FromRaw(env["VAPID_PUBLIC_KEY"], env["VAPID_PRIVATE_KEY"])
	require.NoError(t, err)

	dir := configDir(t, fmt.Sprintf("vapid:\n  public_key: %q\n  private_key: %q\n", env["VAPID_PUBLIC_KEY"], env["VAPID_PRIVATE_KEY"]))
	t.Setenv("VAPID_PUBLIC_KEY", "")
	t.Setenv("VAPID_PRIVATE_KEY", "")

	out, err = run(t, "--config-dir", dir, "--env", "test", "keys", "check")
	require.NoError(t, err)
	assert.Equal(t, "ok "+env["VAPID_PUBLIC_KEY"]+"\n", out)
}

func TestKeysGenerateJSON(t *testing.T) {
	out, err := run(t, "keys", "generate", "--json")
	require.NoError(t, err)

	var got struct {
		PublicKey  string         `json:"publicKey"`
		PrivateKey string         `json:"privateKey"`
		JWK        map[string]any `json:"jwk"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.NotEmpty(t, got.PublicKey)
	assert.NotEmpty(t, got.PrivateKey)
	assert.Equal(t, "EC", got.JWK["kty"])
}

func TestKeysCheckRejectsBadKeys(t *testing.T) {
	dir := configDir(t, "vapid:\n  public_key: nope\n  private_key: nope\n")
	t.Setenv("VAPID_PUBLIC_KEY", "")
	t.Setenv("VAPID_PRIVATE_KEY", "")

	_, err := run(t, "--config-dir", dir, "keys", "check")
	assert.Error(t, err)
}

func TestTokenIssuesParsableJWT(t *testing.T) {
	dir := configDir(t, "jwt:\n  secret: cli-secret\n  ttl: 1h\n")
	t.Setenv("JWT_SECRET", "")
	subject := uuid.New()

	out, err := run(t, "--config-dir", dir, "token", "--role", rbac.RoleBarber, "--subject", subject.String())
	require.NoError(t, err)

	id, role, err := util.ParseJWT(strings.TrimSpace(out), "cli-secret")
	require.NoError(t, err)
	assert.Equal(t, subject, id)
	assert.Equal(t, rbac.RoleBarber, role)
}

func TestTokenRejectsUnknownRole(t *testing.T) {
	dir := configDir(t, "jwt:\n  secret: cli-secret\n")
	t.Setenv("JWT_SECRET", "")

	_, err := run(t, "--config-dir", dir, "token", "--role", "janitor")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown role")
}

func TestTokenRequiresSecret(t *testing.T) {
	dir := configDir(t, "server:\n  port: \"8080\"\n")
	t.Setenv("JWT_SECRET", "")

	_, err := run(t, "--config-dir", dir, "token")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt.secret")
}

func TestServeRejectsIncompleteConfig(t *testing.T) {
	dir := configDir(t, "server:\n  port: \"0\"\n")
	t.Setenv("JWT_SECRET", "")
	t.Setenv("VAPID_PUBLIC_KEY", "")
	t.Setenv("VAPID_PRIVATE_KEY", "")

	_, err := run(t, "--config-dir", dir, "serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt.secret")
}
