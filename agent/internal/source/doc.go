// Package source samples the signal a condition is evaluated against.
// Every Source returns one Observation per call, or an error classified by
// ErrSourceUnavailable, ErrNoData or ErrMarkerMissing.
//
// Implemented sources:
//   - heartbeat (heartbeat.go): freshness of a marker file's mtime
//   - promql, promql_vector (promql.go): Prometheus HTTP API instant queries
//   - scrape (scrape.go): one metric family from a text exposition endpoint
//   - tls_cert (cert.go): days left on an HTTPS endpoint's leaf certificate
//   - alertmanager (alertmanager.go): active alerts from the v2 API
//   - pods (pods.go): container restart counts and waiting reasons
//
// Factory: New(id, config.Source). HTTP sources share the authenticated
// client built in http.go.
package source
