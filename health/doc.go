// Package health tracks the health of the daemon's parts and folds them into
// one status for the /health endpoint.
//
// A status is healthy, degraded or unhealthy. Degraded parts still serve: a
// drain queue that dropped a request is degraded because the core will ask
// again. Aggregation reports the worst state of its parts.
//
//	monitor := health.NewMonitor()
//	monitor.Register("buffers", manager.Health)
//	monitor.UpdateHealthy("board", "transceiver connected")
//
//	server := metric.NewServer(port, path, registry, monitor.Check("bufferd"))
//
// Error text passed through Redact loses URLs, paths, addresses, ports and
// credentials before it reaches a status message.
package health
