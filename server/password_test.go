package server

import (
	"context"
	"log/slog"
	"net/url"
	"regexp"
	"sync"
	"testing"

	"github.com/giantswarm/oauth-issuer/delivery"
	"github.com/giantswarm/oauth-issuer/internal/testutil"
	"github.com/giantswarm/oauth-issuer/providers"
	"github.com/giantswarm/oauth-issuer/providers/password"
	"github.com/giantswarm/oauth-issuer/storage"
)

var codePattern = regexp.MustCompile(`\d{6}`)

type inbox struct {
	mu       sync.Mutex
	messages map[string]string
}

func (b *inbox) send(_ context.Context, destination, message string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages[destination] = message
	return nil
}

func (b *inbox) code(t *testing.T, destination string) string {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	code := codePattern.FindString(b.messages[destination])
	if code == "" {
		t.Fatalf("no code delivered to %s", destination)
	}
	return code
}

func TestPasswordLogin_EndToEnd(t *testing.T) {
	box := &inbox{messages: make(map[string]string)}
	f := newFixture(t, fixtureOptions{
		provider: func(kv storage.KV, logger *slog.Logger) providers.Provider {
			p, err := password.New(password.Config{
				Challenges: storage.NewChallengeStore(kv, logger),
				Pepper:     []byte("0123456789abcdef0123456789abcdef"),
				Sender:     delivery.Func(box.send),
				Logger:     logger,
			})
			testutil.AssertNoError(t, err)
			return p
		},
	})
	ctx := context.Background()
	challenge, verifier := testutil.GeneratePKCEPair()

	session, err := f.srv.Authorize(ctx, authorizeRequest(challenge))
	testutil.AssertNoError(t, err)
	testutil.AssertNoError(t, f.srv.StartLogin(ctx, session.ID, providers.Params{"email": testEmail}))
	code := box.code(t, testEmail)

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	_, err = f.srv.CompleteLogin(ctx, session.ID, providers.Params{"email": testEmail, "code": wrong})
	testutil.AssertErrorIs(t, err, password.ErrCodeMismatch)

	location, err := f.srv.CompleteLogin(ctx, session.ID, providers.Params{"email": testEmail, "code": code})
	testutil.AssertNoError(t, err)
	u, err := url.Parse(location)
	testutil.AssertNoError(t, err)

	pair, err := f.srv.ExchangeAuthorizationCode(ctx, u.Query().Get("code"), testClientID, testRedirectURI, verifier)
	testutil.AssertNoError(t, err)

	claims, err := f.srv.VerifyAccessToken(ctx, pair.AccessToken)
	testutil.AssertNoError(t, err)
	userID, err := f.users.UpsertUser(ctx, testEmail)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, claims.Subject["id"].(string), userID)
}
