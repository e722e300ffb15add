package config

const validYAML = `
server:
  listen: ":8443"
  upstream: "http://127.0.0.1:8080"
  grpcListen: ":9443"
  tokenHeaders: ["X-Jwt-Assertion"]
  tls:
    certFile: /etc/proxy/tls.crt
    keyFile: /etc/proxy/tls.key
    clientCAFile: /etc/proxy/ca.crt
logging:
  level: debug
  format: console
tracing:
  enabled: true
  endpoint: "otel-collector:4317"
  insecure: true
  samplingRate: 0.5
keyFetch:
  timeout: 5s
  minRefreshInterval: 2s
  redis:
    enabled: true
    address: "redis:6379"
policy:
  peers:
    - mtls:
        identityField: uri_san
  credentialRules:
    - binding: USE_ORIGIN
      matchingPeers: ["cluster.local/ns/default/sa/frontend"]
      origins:
        - jwt:
            issuer: "https://issuer.example.com"
            audiences: ["api"]
            jwksUri: "https://issuer.example.com/.well-known/jwks.json"
            publicKeyCacheDuration: 5m
            clockSkew: 30s
    - origins:
        - jwt:
            issuer: "https://other.example.com"
            jwks: '{"keys":[]}'
`
