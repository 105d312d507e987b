// Package config loads and validates keybridge configuration.
//
// A configuration document names the substrate sessions the bridge opens and
// the pipeline nodes bound to them:
//
//	version: 1.0.0
//	log: {level: info, format: json}
//	sessions:
//	  local: {locator: "nats://127.0.0.1:4222", connect_timeout: 5s}
//	nodes:
//	  sensors:
//	    type: subscribe
//	    session: local
//	    wires: [[mirror]]
//	    config: {key_expr: "demo/sensors/**"}
//	  mirror:
//	    type: put
//	    session: local
//	    config: {key_expr: demo/mirror, force_key_expr: true}
//
// # Loading
//
// Loader reads JSON or YAML files (chosen by extension) and deep merges them
// in order over Defaults. KEYBRIDGE_* environment variables are applied last:
//
//	loader := config.NewLoader()
//	loader.AddLayer("config/base.yaml")
//	loader.AddLayer("config/production.json")
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//
// Recognised variables are KEYBRIDGE_LOG_LEVEL, KEYBRIDGE_LOG_FORMAT,
// KEYBRIDGE_HTTP_ADDR, KEYBRIDGE_FLOW_WORKERS and, per session,
// KEYBRIDGE_SESSION_<NAME>_{LOCATOR,USERNAME,PASSWORD,TOKEN}.
//
// # Validation
//
// With validation enabled the merged document is checked against the
// embedded JSON schema (see Schema) and then by Config.Validate, which also
// resolves cross references: node sessions and wire targets must exist.
//
// Files are read through a guarded reader that rejects path traversal,
// oversized files and excessive nesting.
package config
