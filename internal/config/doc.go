// Package config handles configuration loading for coven-dispatch.
//
// # Configuration File
//
// The server reads YAML from $DISPATCH_CONFIG or $XDG_CONFIG_HOME/coven/dispatch.yaml.
// A path ending in .toml is parsed as TOML instead. Values of the form ${VAR} are
// replaced with the environment variable before parsing, and a .env file in the
// working directory is loaded first.
//
// Example:
//
//	server:
//	  http_addr: "0.0.0.0:8000"
//	  grpc_addr: "127.0.0.1:50051"   # optional gRPC health service
//
//	storage:
//	  backend: file                  # or sqlite
//	  path: /var/lib/orch_b
//
//	auth:
//	  admin_token: "${ADMIN_API_TOKEN}"
//	  jwt_secret: "${DISPATCH_JWT_SECRET}"
//	  insecure_admin: false
//
//	deploy:
//	  cert_script: /opt/vps-deployment/deploy_app_with_certs.sh
//	  spa_script: /opt/vps-deployment/deploy-spa-app.sh
//	  apps_base: /opt/vps-deployment/apps
//	  timeout: 30m
//
//	nats:
//	  enabled: false
//	  url: nats://127.0.0.1:4222
//	  subject_prefix: dispatch
//
//	logging:
//	  level: info      # debug, info, warn, error
//	  format: text     # text or json
//	  file: ""         # optional rotating log file
//
// # Legacy Environment
//
// ADMIN_API_TOKEN, ORCH_B_STORAGE, DEPLOY_CERT_SCRIPT, DEPLOY_SPA_SCRIPT,
// APPS_BASE and DEFAULT_TIMEOUT (seconds) override the file when set.
//
// Upgrading: an unset ADMIN_API_TOKEN used to leave the admin endpoints open.
// Admin access now needs auth.admin_token or auth.jwt_secret, and Load fails
// without one. Set auth.insecure_admin: true to keep the old open behavior.
//
// # Agent
//
// The dispatch-agent binary is configured only through DISPATCH_* variables;
// see LoadAgent.
package config
