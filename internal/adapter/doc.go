/*
Package adapter assembles a running exporter from a Configuration.

For every scraped target the adapter builds the same stack:

	transport (rcon, dump or s3)
	  -> srcds.Source        status and stats parsed into metrics
	  -> circuit breaker     optional, per target
	  -> scrape.Coordinator  cache, single-flight, failure policy
	  -> api.Server          /metrics

In single-server mode one coordinator is built at startup. In multi-target
mode coordinators are created on first scrape of a target and password pair
and kept in a bounded LRU pool; an evicted coordinator closes its connection
and its self metrics, health entry and breaker are dropped.

Every coordinator reports to the self-metrics collector and the target
health tracker.
*/
package adapter
