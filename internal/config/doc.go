// Package config handles configuration loading for weave-gateway.
//
// Configuration is read from a YAML file, or a TOML file when the path ends
// in .toml. ${VAR_NAME} references are replaced with environment values
// before parsing, so secrets can stay out of the file:
//
//	auth:
//	  jwt_secret: "${WEAVE_JWT_SECRET}"
//
// Durations use time.ParseDuration syntax ("250ms", "30s", "5m").
//
// A minimal development configuration:
//
//	server:
//	  http_addr: "127.0.0.1:8080"
//	database:
//	  path: "./weave.db"
//	engine:
//	  mode: echo
//	auth:
//	  allow_anonymous: true
//
// Everything else has a default; see ApplyDefaults.
package config
