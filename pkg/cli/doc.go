// Package cli provides the gridguard command-line interface.
//
// # Overview
//
// The gridguard tool operates the permission database: it applies schema
// migrations, seeds workspaces from YAML fixtures, answers permission
// questions, manages API keys and runs the expired-key janitor. Settings come
// from GRIDGUARD_* environment variables; see pkg/config.
//
// # Commands
//
// migrate: Apply pending schema migrations
//
//	gridguard migrate --db postgres://localhost/gridguard
//
// check: Evaluate one permission against the database
//
//	gridguard check \
//		--workspace 1 \
//		--user 10 \
//		--scope row \
//		--table 1000 \
//		--resource 5 \
//		--op delete \
//		--row 2001=sales \
//		--attr department=sales
//
// check: Run every check listed in a fixture, failing on any mismatch
//
//	gridguard check --fixture workspace.yaml
//
// filter: Keep the ids a user may see
//
//	gridguard filter --fixture workspace.yaml --user 10 --kind fields --ids 2000,2001
//
// apply: Write a fixture's roles, assignments and grants to the database
//
//	gridguard apply --fixture workspace.yaml
//
// apikey: Manage API keys
//
//	gridguard apikey create --workspace 1 --name ci --tables 1000 --expires-in 720h
//	gridguard apikey validate --key gg_... --ip 10.0.0.1 --op read --table 1000
//	gridguard apikey list --workspace 1
//	gridguard apikey revoke --id 3f0c...
//
// janitor: Deactivate expired keys on a cron schedule while serving /metrics,
// /health/live and /health/ready
//
//	gridguard janitor --schedule "@every 5m" --addr :9090
//	gridguard janitor --once
package cli
