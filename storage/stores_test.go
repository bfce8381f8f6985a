package storage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/giantswarm/oauth-issuer/internal/testutil"
	"github.com/giantswarm/oauth-issuer/security"
	"github.com/giantswarm/oauth-issuer/storage"
	"github.com/giantswarm/oauth-issuer/storage/memory"
	"github.com/giantswarm/oauth-issuer/storage/mock"
	"github.com/giantswarm/oauth-issuer/subject"
)

const (
	testClientID    = "mpe-web"
	testRedirectURI = "https://app.example/callback"
)

// newKV returns a memory store running on clock.
func newKV(t *testing.T, clock *testutil.MockTime) *memory.Store {
	t.Helper()
	kv := memory.New()
	kv.SetClock(clock.Now)
	t.Cleanup(kv.Stop)
	return kv
}

func testSubject(t *testing.T) subject.Encoded {
	t.Helper()
	enc, err := subject.New(subject.DefaultSchemas())
	testutil.AssertNoError(t, err)
	s, err := enc.Encode(subject.TypeUser, map[string]any{"id": "4b1c0e3a"})
	testutil.AssertNoError(t, err)
	return s
}

func newCodeStore(t *testing.T) (*storage.CodeStore, *testutil.MockTime) {
	t.Helper()
	clock := testutil.NewMockTime(testutil.Epoch)
	s := storage.NewCodeStore(newKV(t, clock), 0, nil)
	s.SetClock(clock.Now)
	return s, clock
}

func issueCode(t *testing.T, s *storage.CodeStore, challenge string) string {
	t.Helper()
	code, err := s.Issue(context.Background(), &storage.AuthorizationCode{
		ClientID:            testClientID,
		RedirectURI:         testRedirectURI,
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
		Scope:               "openid",
		Subject:             testSubject(t),
	})
	testutil.AssertNoError(t, err)
	return code
}

func TestCodeStore_IssueConsume(t *testing.T) {
	s, _ := newCodeStore(t)
	challenge, verifier := testutil.GeneratePKCEPair()
	code := issueCode(t, s, challenge)

	if len(code) < 43 {
		t.Errorf("code length = %d, want at least 43 (256 bits)", len(code))
	}
	testutil.AssertEqual(t, s.TTL(), storage.DefaultCodeTTL)

	ac, err := s.Consume(context.Background(), code, testClientID, testRedirectURI, verifier)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, ac.Code, code)
	testutil.AssertEqual(t, ac.Scope, "openid")
	testutil.AssertEqual(t, ac.Subject.ID(), testSubject(t).ID())
	testutil.AssertEqual(t, ac.ExpiresAt, testutil.Epoch.Add(storage.DefaultCodeTTL))

	_, err = s.Consume(context.Background(), code, testClientID, testRedirectURI, verifier)
	testutil.AssertErrorIs(t, err, storage.ErrInvalidCode)
}

func TestCodeStore_ConsumeFailuresBurnCode(t *testing.T) {
	tests := []struct {
		name        string
		advance     time.Duration
		clientID    string
		redirectURI string
		badVerifier bool
		wantErr     error
	}{
		{name: "expired at T+61s", advance: 61 * time.Second, clientID: testClientID, redirectURI: testRedirectURI, wantErr: storage.ErrExpiredCode},
		{name: "other client", clientID: "other", redirectURI: testRedirectURI, wantErr: storage.ErrClientMismatch},
		{name: "trailing slash redirect", clientID: testClientID, redirectURI: testRedirectURI + "/", wantErr: storage.ErrClientMismatch},
		{name: "wrong verifier", clientID: testClientID, redirectURI: testRedirectURI, badVerifier: true, wantErr: storage.ErrPKCEMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, clock := newCodeStore(t)
			challenge, verifier := testutil.GeneratePKCEPair()
			code := issueCode(t, s, challenge)

			clock.Advance(tt.advance)
			v := verifier
			if tt.badVerifier {
				_, v = testutil.GeneratePKCEPair()
			}

			_, err := s.Consume(context.Background(), code, tt.clientID, tt.redirectURI, v)
			testutil.AssertErrorIs(t, err, tt.wantErr)

			// The code is gone even though the first exchange failed.
			_, err = s.Consume(context.Background(), code, testClientID, testRedirectURI, verifier)
			testutil.AssertErrorIs(t, err, storage.ErrInvalidCode)
		})
	}
}

func TestCodeStore_ValidAtBoundary(t *testing.T) {
	s, clock := newCodeStore(t)
	challenge, verifier := testutil.GeneratePKCEPair()
	code := issueCode(t, s, challenge)

	clock.Advance(storage.DefaultCodeTTL)
	_, err := s.Consume(context.Background(), code, testClientID, testRedirectURI, verifier)
	testutil.AssertNoError(t, err)
}

func TestCodeStore_UnknownCode(t *testing.T) {
	s, _ := newCodeStore(t)
	for _, code := range []string{"", "does-not-exist"} {
		_, err := s.Consume(context.Background(), code, testClientID, testRedirectURI, "v")
		testutil.AssertErrorIs(t, err, storage.ErrInvalidCode)
	}
}

func TestCodeStore_EntropyCollision(t *testing.T) {
	kv := mock.NewKV(t)
	kv.PutIfAbsentFunc = func(context.Context, string, []byte, time.Duration) (bool, error) {
		return false, nil
	}
	logger, buf := testutil.NewLogger()
	s := storage.NewCodeStore(kv, 0, logger)

	_, err := s.Issue(context.Background(), &storage.AuthorizationCode{ClientID: testClientID})
	testutil.AssertErrorIs(t, err, storage.ErrEntropyCollision)
	testutil.AssertEqual(t, kv.CallCount("PutIfAbsent"), 1)
	if buf.Len() == 0 {
		t.Error("collision should be logged")
	}
}

func TestCodeStore_BackendError(t *testing.T) {
	kv := mock.NewKV(t)
	boom := errors.New("connection reset")
	kv.TakeFunc = func(context.Context, string) ([]byte, error) { return nil, boom }
	s := storage.NewCodeStore(kv, 0, nil)

	_, err := s.Consume(context.Background(), "code", testClientID, testRedirectURI, "v")
	testutil.AssertErrorIs(t, err, boom)
	if errors.Is(err, storage.ErrInvalidCode) {
		t.Error("backend failures must not be reported as invalid codes")
	}
}

func TestCodeStore_Encrypted(t *testing.T) {
	clock := testutil.NewMockTime(testutil.Epoch)
	kv := newKV(t, clock)
	key, _ := security.GenerateKey()
	enc, err := security.NewEncryptor(key)
	testutil.AssertNoError(t, err)

	s := storage.NewCodeStore(kv, 0, nil)
	s.SetClock(clock.Now)
	s.SetEncryptor(enc)

	challenge, verifier := testutil.GeneratePKCEPair()
	code := issueCode(t, s, challenge)

	ac, err := s.Consume(context.Background(), code, testClientID, testRedirectURI, verifier)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, ac.ClientID, testClientID)
}

func newChallengeStore(t *testing.T) (*storage.ChallengeStore, *testutil.MockTime) {
	t.Helper()
	clock := testutil.NewMockTime(testutil.Epoch)
	s := storage.NewChallengeStore(newKV(t, clock), nil)
	s.SetClock(clock.Now)
	return s, clock
}

func TestChallengeStore_Lifecycle(t *testing.T) {
	s, _ := newChallengeStore(t)
	ctx := context.Background()
	ch := &storage.PendingChallenge{
		Email:     "a@example.com",
		CodeHash:  []byte{1, 2, 3},
		CreatedAt: testutil.Epoch,
		ExpiresAt: testutil.Epoch.Add(10 * time.Minute),
	}
	testutil.AssertNoError(t, s.Save(ctx, ch))

	got, err := s.Get(ctx, "a@example.com")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, got.AttemptCount, 0)
	testutil.AssertEqual(t, string(got.CodeHash), string(ch.CodeHash))

	for want := 1; want <= 3; want++ {
		n, err := s.RecordAttempt(ctx, got)
		testutil.AssertNoError(t, err)
		testutil.AssertEqual(t, n, want)
	}

	got, err = s.Get(ctx, "a@example.com")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, got.AttemptCount, 3)

	// A new challenge for the same email resets the counter.
	testutil.AssertNoError(t, s.Save(ctx, ch))
	got, err = s.Get(ctx, "a@example.com")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, got.AttemptCount, 0)

	deleted, err := s.Delete(ctx, "a@example.com")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, deleted, true)

	deleted, err = s.Delete(ctx, "a@example.com")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, deleted, false)

	_, err = s.Get(ctx, "a@example.com")
	testutil.AssertErrorIs(t, err, storage.ErrNotFound)
}

func TestChallengeStore_ReadableAfterExpiry(t *testing.T) {
	s, clock := newChallengeStore(t)
	ctx := context.Background()
	testutil.AssertNoError(t, s.Save(ctx, &storage.PendingChallenge{
		Email:     "a@example.com",
		CreatedAt: testutil.Epoch,
		ExpiresAt: testutil.Epoch.Add(10 * time.Minute),
	}))

	clock.Advance(10*time.Minute + time.Second)
	got, err := s.Get(ctx, "a@example.com")
	testutil.AssertNoError(t, err)
	if !clock.Now().After(got.ExpiresAt) {
		t.Error("challenge should be past its expiry")
	}
}

func TestChallengeStore_SaveInvalid(t *testing.T) {
	s, _ := newChallengeStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, nil); err == nil {
		t.Error("Save(nil) should fail")
	}
	if err := s.Save(ctx, &storage.PendingChallenge{Email: "a@example.com", CreatedAt: testutil.Epoch, ExpiresAt: testutil.Epoch}); err == nil {
		t.Error("Save() with zero lifetime should fail")
	}
}

func TestFlowStore(t *testing.T) {
	clock := testutil.NewMockTime(testutil.Epoch)
	s := storage.NewFlowStore(newKV(t, clock), 0, nil)
	s.SetClock(clock.Now)
	ctx := context.Background()

	id, err := s.Save(ctx, &storage.FlowSession{
		ClientID:    testClientID,
		RedirectURI: testRedirectURI,
		State:       "xyz",
		Provider:    "password",
	})
	testutil.AssertNoError(t, err)

	got, err := s.Get(ctx, id)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, got.ID, id)
	testutil.AssertEqual(t, got.State, "xyz")

	got, err = s.Take(ctx, id)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, got.Provider, "password")

	_, err = s.Take(ctx, id)
	testutil.AssertErrorIs(t, err, storage.ErrSessionNotFound)

	_, err = s.Get(ctx, "")
	testutil.AssertErrorIs(t, err, storage.ErrSessionNotFound)
}

func TestFlowStore_Expired(t *testing.T) {
	clock := testutil.NewMockTime(testutil.Epoch)
	s := storage.NewFlowStore(newKV(t, clock), time.Minute, nil)
	s.SetClock(clock.Now)
	ctx := context.Background()

	id, err := s.Save(ctx, &storage.FlowSession{ClientID: testClientID})
	testutil.AssertNoError(t, err)

	clock.Advance(61 * time.Second)
	_, err = s.Get(ctx, id)
	testutil.AssertErrorIs(t, err, storage.ErrSessionExpired)

	clock.Advance(2 * time.Minute)
	_, err = s.Get(ctx, id)
	testutil.AssertErrorIs(t, err, storage.ErrSessionNotFound)
}

func TestRefreshStore(t *testing.T) {
	clock := testutil.NewMockTime(testutil.Epoch)
	s := storage.NewRefreshStore(newKV(t, clock), time.Hour, nil)
	s.SetClock(clock.Now)
	ctx := context.Background()

	issue := func() string {
		token, err := s.Issue(ctx, &storage.RefreshRecord{ClientID: testClientID, Subject: testSubject(t)})
		testutil.AssertNoError(t, err)
		return token
	}

	token := issue()
	rec, err := s.Consume(ctx, token, testClientID)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, rec.Subject.Type, subject.TypeUser)

	_, err = s.Consume(ctx, token, testClientID)
	testutil.AssertErrorIs(t, err, storage.ErrInvalidRefreshToken)

	token = issue()
	_, err = s.Consume(ctx, token, "other")
	testutil.AssertErrorIs(t, err, storage.ErrClientMismatch)
	_, err = s.Consume(ctx, token, testClientID)
	testutil.AssertErrorIs(t, err, storage.ErrInvalidRefreshToken)

	token = issue()
	clock.Advance(time.Hour + time.Second)
	_, err = s.Consume(ctx, token, testClientID)
	testutil.AssertErrorIs(t, err, storage.ErrExpiredRefreshToken)

	testutil.AssertEqual(t, s.TTL(), time.Hour)
}
