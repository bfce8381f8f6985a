// Package instrumentation provides OpenTelemetry metrics and traces for the issuer.
//
// Instrumentation is disabled by default and then costs nothing: New returns
// no-op providers. With Enabled set, metrics can be exported through a
// Prometheus registry and spans through any sdktrace.SpanProcessor.
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		Enabled:         true,
//		ServiceVersion:  version,
//		MetricsExporter: instrumentation.MetricsExporterPrometheus,
//	})
//	if err != nil {
//		return err
//	}
//	defer inst.Shutdown(context.Background())
//
//	mux.Handle("/metrics", inst.PrometheusHandler())
//
// # Metrics
//
// HTTP:
//   - oauth.http.requests.total{method, endpoint, status}
//   - oauth.http.request.duration{endpoint}
//
// Flow:
//   - oauth.authorization.started{client_id, provider}
//   - oauth.login.started{provider, result}
//   - oauth.login.verified{provider, result, reason}
//   - oauth.code.issued{client_id}
//   - oauth.code.exchanged{client_id, result, reason}
//   - oauth.token.refreshed{client_id, result}
//
// Security:
//   - oauth.rate_limit.exceeded{limiter_type}
//   - oauth.pkce.validation_failed{client_id}
//   - oauth.code.reuse_detected
//   - oauth.login.too_many_attempts{provider}
//
// Storage:
//   - storage.operation.total{operation, result}
//   - storage.operation.duration{operation}
//   - storage.entries (memory backend only)
//
// Provider:
//   - provider.delivery.failures{provider}
//
// Span and metric attributes never carry codes, tokens or email addresses.
package instrumentation
