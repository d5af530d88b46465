package config

// Example is the canonical config `--generate-example` emits (spec.md §6:
// "writes a canonical example to stdout and exits 0"). It demonstrates an
// Ensure gate, a Run dependency with a tool healthcheck, and a Run dependent
// that only starts once that healthcheck passes; it does not show `cwd` or a
// `cmd` healthcheck.
const Example = `default: app

tasks:
  migrate:
    ensure: "./scripts/migrate.sh"

  db:
    run: "postgres -D /usr/local/var/postgres"
    autorestart: true
    healthcheck:
      tool: "is-port-open 5432"
      interval: 1.0

  app:
    run: "./bin/server"
    require: ["migrate", "db"]
    display: ["stdout", "stderr"]
    timestamps: true
    autorestart: true
    healthcheck:
      tool: "http-get-ok http://localhost:8080/healthz"
      interval: 2.0
`
