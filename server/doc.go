// Package server implements the authorization flow of the issuer.
//
// A flow moves through Authorize (request validated, flow session opened),
// StartLogin and CompleteLogin (the session's provider authenticates the user,
// the success callback yields a subject and an authorization code is issued)
// and ExchangeAuthorizationCode (the code is consumed exactly once and a
// signed access token is minted). RefreshAccessToken rotates refresh tokens.
//
// The Server keeps no shared state in memory. Flow sessions, codes and
// refresh tokens live in storage.KV, whose atomic take is what makes every
// code and refresh token single use across processes.
//
// Example usage:
//
//	srv, err := server.New(server.Dependencies{
//	    Clients:   registry,
//	    Providers: providerSet,
//	    Subjects:  encoder,
//	    Keys:      keyManager,
//	    Codes:     storage.NewCodeStore(kv, 0, logger),
//	    Flows:     storage.NewFlowStore(kv, 0, logger),
//	    Refresh:   storage.NewRefreshStore(kv, 0, logger),
//	}, &server.Config{
//	    Issuer:  "https://auth.example.com",
//	    Success: server.UserSubject(users),
//	}, logger)
package server
