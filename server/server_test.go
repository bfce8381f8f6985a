package server

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"testing"

	"github.com/giantswarm/oauth-issuer/clients"
	"github.com/giantswarm/oauth-issuer/identity"
	"github.com/giantswarm/oauth-issuer/internal/testutil"
	"github.com/giantswarm/oauth-issuer/keys"
	"github.com/giantswarm/oauth-issuer/providers"
	"github.com/giantswarm/oauth-issuer/providers/mock"
	"github.com/giantswarm/oauth-issuer/security"
	"github.com/giantswarm/oauth-issuer/storage"
	"github.com/giantswarm/oauth-issuer/storage/memory"
	"github.com/giantswarm/oauth-issuer/subject"
)

const (
	testIssuer      = "https://auth.example"
	testClientID    = "mpe-web"
	testRedirectURI = "https://app.example/callback"
	testEmail       = "a@example.com"
	testCode        = "123456"
)

type fixture struct {
	srv      *Server
	clock    *testutil.MockTime
	provider *mock.Provider
	users    *identity.MemoryStore
	kv       storage.KV
	logs     interface{ String() string }
}

type fixtureOptions struct {
	kv      storage.KV
	config  *Config
	noClock bool

	// provider replaces the mock "password" provider. It receives the fixture KV.
	provider func(kv storage.KV, logger *slog.Logger) providers.Provider
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()
	clock := testutil.NewMockTime(testutil.Epoch)
	logger, logs := testutil.NewLogger()

	kv := opts.kv
	if kv == nil {
		mem := memory.New()
		mem.SetClock(clock.Now)
		t.Cleanup(mem.Stop)
		kv = mem
	}

	registry, err := clients.New(clients.Client{ID: testClientID, RedirectURIs: []string{testRedirectURI}})
	testutil.AssertNoError(t, err)

	provider := mock.NewProvider("password")
	provider.VerifyFunc = func(_ context.Context, params providers.Params) (*providers.Identity, error) {
		if params.Get("code") != testCode {
			return nil, errors.New("code mismatch")
		}
		return &providers.Identity{Provider: "password", Email: params.Get("email")}, nil
	}
	var registered providers.Provider = provider
	if opts.provider != nil {
		registered = opts.provider(kv, logger)
	}
	set, err := providers.NewSet(registered)
	testutil.AssertNoError(t, err)

	encoder, err := subject.New(subject.DefaultSchemas())
	testutil.AssertNoError(t, err)

	km, err := keys.NewManager(context.Background(), keys.NewGeneratingProvider(logger), testIssuer, logger)
	testutil.AssertNoError(t, err)

	users := identity.NewMemoryStore()
	cfg := opts.config
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Success == nil {
		cfg.Success = UserSubject(users)
	}

	srv, err := New(Dependencies{
		Clients:   registry,
		Providers: set,
		Subjects:  encoder,
		Keys:      km,
		Codes:     storage.NewCodeStore(kv, 0, logger),
		Flows:     storage.NewFlowStore(kv, 0, logger),
		Refresh:   storage.NewRefreshStore(kv, 0, logger),
	}, cfg, logger)
	testutil.AssertNoError(t, err)
	srv.SetAuditor(security.NewAuditor(logger, true))
	if !opts.noClock {
		srv.SetClock(clock.Now)
	}

	return &fixture{srv: srv, clock: clock, provider: provider, users: users, kv: kv, logs: logs}
}

func authorizeRequest(challenge string) AuthorizationRequest {
	return AuthorizationRequest{
		ClientID:            testClientID,
		RedirectURI:         testRedirectURI,
		ResponseType:        ResponseTypeCode,
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
		State:               "xyz",
		Scope:               "openid",
	}
}

// login runs authorize and login and returns the issued code and PKCE verifier.
func (f *fixture) login(t *testing.T) (code, verifier string) {
	t.Helper()
	ctx := context.Background()

	challenge, verifier := testutil.GeneratePKCEPair()
	session, err := f.srv.Authorize(ctx, authorizeRequest(challenge))
	testutil.AssertNoError(t, err)

	params := providers.Params{"email": testEmail, "code": testCode}
	testutil.AssertNoError(t, f.srv.StartLogin(ctx, session.ID, params))

	location, err := f.srv.CompleteLogin(ctx, session.ID, params)
	testutil.AssertNoError(t, err)

	u, err := url.Parse(location)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, u.Query().Get("state"), "xyz")
	code = u.Query().Get("code")
	if code == "" {
		t.Fatalf("redirect %q carries no code", location)
	}
	return code, verifier
}

func TestNew_Validation(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	deps := Dependencies{
		Clients:   f.srv.clients,
		Providers: f.srv.providers,
		Subjects:  f.srv.subjects,
		Keys:      f.srv.keys,
		Codes:     f.srv.codes,
		Flows:     f.srv.flows,
	}
	success := UserSubject(identity.NewMemoryStore())
	logger := slog.New(slog.DiscardHandler)

	tests := []struct {
		name   string
		deps   Dependencies
		config *Config
	}{
		{"missing success callback", deps, &Config{}},
		{"issuer differs from keys", deps, &Config{Issuer: "https://other.example", Success: success}},
		{"unknown default provider", deps, &Config{DefaultProvider: "sso", Success: success}},
		{"missing clients", Dependencies{}, &Config{Success: success}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.deps, tt.config, logger); err == nil {
				t.Error("New() should fail")
			}
		})
	}

	srv, err := New(deps, &Config{Success: success}, logger)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, srv.Config.DefaultProvider, "password")
	testutil.AssertEqual(t, srv.Config.Issuer, testIssuer)
}

func TestValidateHTTPSEnforcement(t *testing.T) {
	tests := []struct {
		issuer        string
		allowInsecure bool
		wantErr       bool
	}{
		{"https://auth.example", false, false},
		{"http://localhost:8080", false, false},
		{"http://127.0.0.1:8080", false, false},
		{"http://[::1]:8080", false, false},
		{"http://auth.example", false, true},
		{"http://auth.example", true, false},
		{"ftp://auth.example", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.issuer, func(t *testing.T) {
			s := &Server{
				Config: &Config{Issuer: tt.issuer, AllowInsecureHTTP: tt.allowInsecure},
				Logger: slog.New(slog.DiscardHandler),
			}
			err := s.validateHTTPSEnforcement()
			if (err != nil) != tt.wantErr {
				t.Errorf("validateHTTPSEnforcement() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestUserSubject(t *testing.T) {
	users := identity.NewMemoryStore()
	success := UserSubject(users)

	typ, claims, err := success(context.Background(), &providers.Identity{Email: testEmail})
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, typ, subject.TypeUser)

	_, claims2, err := success(context.Background(), &providers.Identity{Email: "A@Example.com"})
	testutil.AssertNoError(t, err)
	if claims["id"] != claims2["id"] {
		t.Errorf("same email produced different user ids: %v and %v", claims["id"], claims2["id"])
	}
	testutil.AssertEqual(t, users.Len(), 1)
}

func TestAppendQuery(t *testing.T) {
	params := url.Values{"code": {"c"}, "state": {"s"}}
	tests := []struct {
		name        string
		redirectURI string
		params      url.Values
		want        string
	}{
		{"no query", "https://app.example/cb", params, "https://app.example/cb?code=c&state=s"},
		{"registered query kept as is", "https://app.example/cb?z=1&a=%2f", params, "https://app.example/cb?z=1&a=%2f&code=c&state=s"},
		{"trailing question mark", "https://app.example/cb?", params, "https://app.example/cb?code=c&state=s"},
		{"empty state dropped", "https://app.example/cb", url.Values{"code": {"c"}, "state": {""}}, "https://app.example/cb?code=c"},
		{"nothing to add", "https://app.example/cb?x=1", url.Values{"state": {""}}, "https://app.example/cb?x=1"},
		{"values escaped", "http://localhost:8765/cb", url.Values{"state": {"a b&c"}}, "http://localhost:8765/cb?state=a+b%26c"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := appendQuery(tt.redirectURI, tt.params)
			testutil.AssertNoError(t, err)
			if got != tt.want {
				t.Errorf("appendQuery() = %q, want %q", got, tt.want)
			}
		})
	}
}
