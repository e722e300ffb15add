// Package config loads the authn-proxy configuration from YAML.
//
// The file has six sections: server, logging, metrics, tracing, keyFetch
// and policy. Durations use Go syntax ("30s", "10m"). ${VAR} and
// ${VAR:-default} references are expanded from the environment before
// parsing. A Watcher reloads the file on change and hands every valid
// configuration to a callback.
package config
