// Package oauth exposes the issuer over HTTP: the authorize and token
// endpoints, the per-provider login endpoints and the published key set.
//
// The flow logic lives in package server; Handler only parses requests,
// maps errors to OAuth error responses and applies the HTTP middleware
// (request IDs, client IP resolution, rate limiting and metrics).
//
//	srv, _ := server.New(deps, &server.Config{Success: server.UserSubject(users)}, logger)
//	h := oauth.NewHandler(srv, &oauth.Config{Logger: logger})
//	defer h.Close()
//	http.ListenAndServe(":8080", h.Routes())
package oauth
