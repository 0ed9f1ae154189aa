/*
Package config loads the exporter configuration.

Sources are applied in order of increasing precedence:

	defaults      NewDefault()
	YAML file     LoadFromFile (--config)
	environment   LoadFromEnv (SRCDS_EXPORTER_*)
	flags         applied by cmd/srcds-exporter

Example file:

	server:
	  address: 0.0.0.0
	  port: 9591
	  mode: auto            # auto, single or multi
	target:
	  address: 10.0.0.5
	  port: 27015
	  password: secret
	  transport: rcon       # rcon, dump or s3
	cache:
	  ttl: 5s
	  failure_ttl: 5s
	  refresh_timeout: 8s
	  max_wait: 10s
	  failure_policy: stale # stale or error
	  max_targets: 64
	network:
	  timeouts:
	    connect: 1s
	    command: 2s
	  retry:
	    reconnect_attempts: 2
	monitoring:
	  logging:
	    level: INFO
	    format: json

In auto mode the exporter scrapes one configured server when a password is
set or a file based transport is selected, and otherwise expects
?target=host:port&password=... on every scrape.
*/
package config
