// Package metric provides the Prometheus registry and HTTP endpoint for bufferlink.
//
// The registry carries process-level metrics (service status, datagram counts,
// memory transfer volume, storage operations, NATS connectivity) and lets
// components register their own series on it:
//
//	registry := metric.NewMetricsRegistry()
//	mgr, err := buffermanager.New(ctx, cfg, buffermanager.Deps{MetricsRegistry: registry, ...})
//
//	server := metric.NewServer(9090, "/metrics", registry, monitor.Check("bufferd"))
//	go server.Start(ctx)
//
// Every name is prefixed with the "bufferlink" namespace. Registering the same
// service/metric pair twice is an invalid error, never a panic.
package metric
