package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
//
// Never attach secret values (codes, tokens, verifiers, one-time codes, email
// addresses) to spans. Only identifiers that are safe to export belong here.
const (
	AttrClientID     = "oauth.client_id"
	AttrSubjectID    = "oauth.subject_id"
	AttrSubjectType  = "oauth.subject_type"
	AttrScope        = "oauth.scope"
	AttrPKCEMethod   = "oauth.pkce.method"
	AttrGrantType    = "oauth.grant_type"
	AttrProvider     = "oauth.provider"
	AttrError        = "oauth.error"
	AttrAttemptCount = "oauth.login.attempt"

	AttrStorageOperation = "storage.operation"
	AttrStorageType      = "storage.type"

	AttrClientIP = "security.client_ip"

	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddFlowAttributes adds the client, provider and scope of a flow to a span.
// Empty values are skipped.
func AddFlowAttributes(span trace.Span, clientID, provider, scope string) {
	var attrs []attribute.KeyValue
	if clientID != "" {
		attrs = append(attrs, attribute.String(AttrClientID, clientID))
	}
	if provider != "" {
		attrs = append(attrs, attribute.String(AttrProvider, provider))
	}
	if scope != "" {
		attrs = append(attrs, attribute.String(AttrScope, scope))
	}
	SetSpanAttributes(span, attrs...)
}

// AddSubjectAttributes adds the stable subject identifier to a span.
func AddSubjectAttributes(span trace.Span, subjectType, subjectID string) {
	SetSpanAttributes(span,
		attribute.String(AttrSubjectType, subjectType),
		attribute.String(AttrSubjectID, subjectID),
	)
}

// AddHTTPAttributes adds HTTP request attributes to a span (nil-safe)
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
}

// AddClientIPAttribute adds the client IP to a span when enabled.
func (i *Instrumentation) AddClientIPAttribute(span trace.Span, clientIP string) {
	if i.ShouldLogClientIPs() && clientIP != "" {
		SetSpanAttributes(span, attribute.String(AttrClientIP, clientIP))
	}
}
