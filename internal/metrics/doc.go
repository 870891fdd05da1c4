/*
Package metrics implements Prometheus-based metrics collection across
VaultFS's block/cache/blob/filesystem layers (L0-L7).

# Overview

Collector is the central metrics aggregator: it owns a private Prometheus
registry, an HTTP server exposing /metrics, /health, and the /debug/*
human-readable endpoints, and an in-memory per-operation rollup used by
those debug endpoints.

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Port:      9090,
		Namespace: "vaultfs",
	})
	if err != nil {
		log.Fatal(err)
	}
	if err := collector.Start(ctx); err != nil {
		log.Fatal(err)
	}
	defer collector.Stop(ctx)

# Recording

	start := time.Now()
	err := fsys.Write(ctx, fd, buf, offset)
	collector.RecordOperation("write", time.Since(start), int64(len(buf)), err == nil)

	collector.RecordCacheHit(blockID.String())
	collector.RecordCacheMiss(blockID.String())
	collector.RecordIntegrityViolation(blockID.String(), "checksum mismatch")
	collector.RecordError("write", err)

# Health

SetHealthReporter wires a health.Reporter (internal/integrity.Store in
practice) into the /health endpoint, which reports 503 once the mount has
been poisoned by a strict-mode integrity violation and 200 otherwise.

# Prometheus metrics

Counters:
  - vaultfs_operations_total{operation,status}
  - vaultfs_cache_requests_total{result}
  - vaultfs_integrity_violations_total{reason}
  - vaultfs_errors_total{operation,type}

Histograms:
  - vaultfs_operation_duration_seconds{operation}
  - vaultfs_operation_size_bytes{operation}

Gauges:
  - vaultfs_open_files: current size of internal/filesystem's open-file table

# HTTP endpoints

/metrics exposes the Prometheus registry for scraping.

/health reports the mount's health.Reporter state:

	curl http://localhost:9090/health
	{"status":"healthy","service":"vaultfs-metrics"}

/debug/operations renders the in-memory operation rollup as a plain-text
table, for troubleshooting without a Prometheus server.

# Thread safety

All Collector methods are safe for concurrent use; internal state is
guarded by a sync.RWMutex.
*/
package metrics
