package cmd

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/descope/virtualwebauthn"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/nopwd/client"
	"github.com/jmcleod/nopwd/config"
	"github.com/jmcleod/nopwd/email"
	"github.com/jmcleod/nopwd/internal/fakeapi"
	"github.com/jmcleod/nopwd/session"
	"github.com/jmcleod/nopwd/status"
	"github.com/jmcleod/nopwd/webauthn"
)

const testEmail = "ada@example.com"

// syncBuffer is a bytes.Buffer safe for listeners writing from other
// goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newFake(t *testing.T, opts ...fakeapi.Option) (*fakeapi.Server, *httptest.Server) {
	t.Helper()
	fake, err := fakeapi.New(opts...)
	require.NoError(t, err)
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	return fake, srv
}

func testConfig(baseURL string) config.Config {
	c := config.Default()
	c.BaseURL = baseURL
	c.StoreBackend = config.StoreMemory
	return c
}

func newTestClient(t *testing.T, c config.Config, opts ...client.Option) *client.Client {
	t.Helper()
	cl, err := client.New(c, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { cl.Close() })
	return cl
}

func signIn(t *testing.T, fake *fakeapi.Server, c *client.Client) session.Session {
	t.Helper()
	tok, err := fake.IssueToken(testEmail, "email")
	require.NoError(t, err)
	sess, err := c.Sessions.Create(context.Background(), tok)
	require.NoError(t, err)
	return sess
}

func TestLoadConfigDefaults(t *testing.T) {
	got, err := loadConfig(viper.New())
	require.NoError(t, err)
	assert.Equal(t, config.Default(), got)
}

func TestLoadConfigPrecedence(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "nopwd.yaml")
	yaml := "base_url: https://file.example\nstore_backend: sqlite\nlog_level: warn\nrequest_timeout: 5s\n"
	require.NoError(t, os.WriteFile(file, []byte(yaml), 0o600))
	t.Setenv("NOPWD_STORE_BACKEND", "memory")
	t.Setenv("NOPWD_LOG_LEVEL", "error")

	cmd := &cobra.Command{Use: "test"}
	addConfigFlags(cmd)
	v := viper.New()
	bindFlags(v, cmd)
	require.NoError(t, cmd.PersistentFlags().Set("log-level", "debug"))
	require.NoError(t, readConfigFile(v, file))

	got, err := loadConfig(v)
	require.NoError(t, err)
	assert.Equal(t, "https://file.example", got.BaseURL, "file over default")
	assert.Equal(t, config.StoreMemory, got.StoreBackend, "env over file")
	assert.Equal(t, "debug", got.LogLevel, "flag over env")
	assert.Equal(t, 5*time.Second, got.RequestTimeout)
	assert.Equal(t, config.Default().RefreshWindow, got.RefreshWindow)
}

func TestLoadConfigInvalid(t *testing.T) {
	t.Setenv("NOPWD_STORE_BACKEND", "floppy")
	_, err := loadConfig(viper.New())
	assert.ErrorContains(t, err, "floppy")
}

func TestReadConfigFileMissing(t *testing.T) {
	err := readConfigFile(viper.New(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
	assert.NoError(t, readConfigFile(viper.New(), ""))
}

func TestEmailLogin(t *testing.T) {
	_, srv := newFake(t, fakeapi.WithMailer(func(m fakeapi.Mail) {
		go func() {
			resp, err := http.Get(m.Link)
			if err == nil {
				resp.Body.Close()
			}
		}()
	}))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	c := testConfig(srv.URL)
	c.CallbackURL = "http://" + ln.Addr().String() + "/callback"
	loc, err := email.NewLocation(c.CallbackURL)
	require.NoError(t, err)
	cl := newTestClient(t, c, client.WithLocation(loc))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var out bytes.Buffer
	sess, err := emailLogin(ctx, cl, loc, ln, testEmail, &out)
	require.NoError(t, err)

	assert.Equal(t, []string{"email"}, sess.CreatedWith)
	assert.Contains(t, out.String(), "Magic link sent to "+testEmail)
	assert.False(t, loc.URL().Query().Has("code"), "code must be stripped from the location")

	current, err := cl.Sessions.Get(ctx)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, sess.ID, current.ID)
}

func TestEmailLoginGivesUp(t *testing.T) {
	_, srv := newFake(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	c := testConfig(srv.URL)
	c.CallbackURL = "http://" + ln.Addr().String() + "/callback"
	loc, err := email.NewLocation(c.CallbackURL)
	require.NoError(t, err)
	cl := newTestClient(t, c, client.WithLocation(loc))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = emailLogin(ctx, cl, loc, ln, testEmail, &bytes.Buffer{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	sess, err := cl.Sessions.Get(context.Background())
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func newPlatform() *webauthn.VirtualPlatform {
	return webauthn.NewVirtualPlatform(virtualwebauthn.RelyingParty{
		Name: "nopwd", ID: "localhost", Origin: "http://localhost",
	})
}

func TestPasskeyLogin(t *testing.T) {
	fake, srv := newFake(t)
	platform := newPlatform()
	cl := newTestClient(t, testConfig(srv.URL), client.WithPlatform(platform))
	first := signIn(t, fake, cl)
	assert.True(t, first.SuggestPasskeys)

	var out bytes.Buffer
	sess, err := passkeyLogin(context.Background(), cl, &out)
	require.NoError(t, err)

	assert.Contains(t, out.String(), "Registered passkey")
	assert.Equal(t, []string{"webauthn"}, sess.CreatedWith)
	assert.False(t, sess.SuggestPasskeys)
	assert.NotEqual(t, first.ID, sess.ID)
	assert.Equal(t, 1, platform.CredentialCount())
	assert.Equal(t, 1, fake.PasskeyCount(testEmail))
}

func TestPasskeyLoginRequiresSession(t *testing.T) {
	_, srv := newFake(t)
	cl := newTestClient(t, testConfig(srv.URL), client.WithPlatform(newPlatform()))

	_, err := passkeyLogin(context.Background(), cl, &bytes.Buffer{})
	assert.ErrorIs(t, err, errNotSignedIn)
}

func TestWatchSession(t *testing.T) {
	fake, srv := newFake(t)
	cl := newTestClient(t, testConfig(srv.URL))
	signIn(t, fake, cl)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var out syncBuffer
	done := make(chan error, 1)
	go func() { done <- watchSession(ctx, cl, 10*time.Millisecond, &out) }()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "authenticated session=")
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, cl.Logout(context.Background()))
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "unauthenticated")
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestPrintSession(t *testing.T) {
	var out bytes.Buffer
	printSession(&out, nil)
	assert.Equal(t, "Not signed in.\n", out.String())

	out.Reset()
	sess := &session.Session{
		ID:              "s1",
		CreatedWith:     []string{"email"},
		IdleTimeout:     time.Hour,
		SuggestPasskeys: true,
	}
	printSession(&out, sess)
	assert.Contains(t, out.String(), "s1")
	assert.Contains(t, out.String(), "email")
	assert.Contains(t, out.String(), "1h0m0s")
	assert.Contains(t, out.String(), "nopwd login passkey")
}

func TestPrintStatuses(t *testing.T) {
	var out bytes.Buffer
	printStatuses(&out, nil)
	assert.Equal(t, "No data.\n", out.String())

	out.Reset()
	printStatuses(&out, []status.Status{
		{Scope: "sessions", DayID: 1, SuccessCount: 3, ErrorCount: 1, TotalExecTime: 40},
		{DayID: 0},
	})
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "1970-01-02")
	assert.Contains(t, lines[1], "disrupted")
	assert.Contains(t, lines[1], "10")
	assert.Contains(t, lines[2], "all")
	assert.Contains(t, lines[2], "no_data")
}

func TestRootCommand(t *testing.T) {
	fake, srv := newFake(t)
	tok, err := fake.IssueToken(testEmail, "email")
	require.NoError(t, err)

	run := func(args ...string) string {
		t.Helper()
		var out bytes.Buffer
		rootCmd.SetOut(&out)
		rootCmd.SetErr(&bytes.Buffer{})
		rootCmd.SetArgs(append([]string{"--store-backend", "memory", "--base-url", srv.URL}, args...))
		require.NoError(t, rootCmd.ExecuteContext(context.Background()))
		return out.String()
	}

	assert.Contains(t, run("token", "verify", "--decode", tok), `"sub"`)
	assert.Contains(t, run("session"), "Not signed in.")
	assert.Contains(t, run("token", "revoke", tok), "Token revoked.")
}
