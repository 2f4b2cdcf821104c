package cmd

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"filippo.io/age"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bosondata/badwolf/internal/bitbucket/bitbuckettest"
	"github.com/bosondata/badwolf/internal/spec"
)

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "badwolf.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	rootCmd := NewRootCommand("badwolf")
	RegisterCommands(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestConfigMasksSecrets(t *testing.T) {
	path := writeConfig(t, `
server_name = "https://ci.example.com"
bitbucket_username = "badwolf"
bitbucket_password = "hunter2"
jwt_key = "signing-key"
`)
	out, err := execute(t, "", "--config", path, "config")
	require.NoError(t, err)
	assert.Contains(t, out, `server_name = "https://ci.example.com"`)
	assert.Contains(t, out, `bitbucket_username = "badwolf"`)
	assert.Contains(t, out, `bitbucket_password = "******"`)
	assert.Contains(t, out, `jwt_key = "******"`)
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "signing-key")
}

func TestConfigBadFile(t *testing.T) {
	_, err := execute(t, "", "--config", filepath.Join(t.TempDir(), "missing.toml"), "config")
	assert.Error(t, err)
}

func TestEncryptRoundTrip(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	path := writeConfig(t, `secure_token_identity = "`+identity.String()+`"`)

	out, err := execute(t, "", "--config", path, "encrypt", "s3cr3t")
	require.NoError(t, err)
	d, err := spec.NewAgeDecrypter(identity.String())
	require.NoError(t, err)
	plain, err := d.Decrypt(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", plain)

	out, err = execute(t, "from-stdin\n", "--config", path, "encrypt")
	require.NoError(t, err)
	plain, err = d.Decrypt(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "from-stdin", plain)
}

func TestEncryptWithRecipient(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	out, err := execute(t, "", "--config", writeConfig(t, ""), "encrypt", "-r", identity.Recipient().String(), "value")
	require.NoError(t, err)
	d, err := spec.NewAgeDecrypter(identity.String())
	require.NoError(t, err)
	plain, err := d.Decrypt(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "value", plain)
}

func TestEncryptWithoutRecipient(t *testing.T) {
	_, err := execute(t, "", "--config", writeConfig(t, ""), "encrypt", "value")
	assert.ErrorContains(t, err, "secure_token_identity")
}

func TestKeygen(t *testing.T) {
	out, err := execute(t, "", "--config", writeConfig(t, ""), "keygen")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	identity, err := age.ParseX25519Identity(lines[1])
	require.NoError(t, err)
	assert.Equal(t, "# recipient: "+identity.Recipient().String(), lines[0])
}

func TestRegisterWebhook(t *testing.T) {
	bb := bitbuckettest.NewServer()
	t.Cleanup(bb.Close)
	path := writeConfig(t, `
server_name = "https://ci.example.com/"
bitbucket_username = "badwolf"
bitbucket_password = "secret"
bitbucket_api_url = "`+bb.URL+`"
`)
	out, err := execute(t, "", "--config", path, "register-webhook", "deepanalyzer/badwolf")
	require.NoError(t, err)
	assert.Contains(t, out, "Webhook https://ci.example.com/webhook/push registered")

	out, err = execute(t, "", "--config", path, "register-webhook", "deepanalyzer/badwolf")
	require.NoError(t, err)
	assert.Contains(t, out, "already registered")
}

func TestRegisterWebhookInvalidRepo(t *testing.T) {
	_, err := execute(t, "", "--config", writeConfig(t, ""), "register-webhook", "badwolf")
	assert.ErrorContains(t, err, "owner/repo")
}

func TestStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":0,"message":"success","data":{"running":2}}`))
	}))
	t.Cleanup(srv.Close)

	out, err := execute(t, "", "--config", writeConfig(t, `server_name = "`+srv.URL+`"`), "status")
	require.NoError(t, err)
	assert.Equal(t, "running pipelines: 2\n", out)
}
