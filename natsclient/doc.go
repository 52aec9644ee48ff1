// Package natsclient manages the NATS connection used by the object store
// storage backend.
//
// A Client wraps one nats.Conn and its JetStream context. It tracks the
// connection status, reports it through the metric package, and trips a
// circuit breaker after repeated failures so callers fail fast instead of
// piling up on a dead server:
//
//	client, err := natsclient.NewClient(cfg.NATS.URL,
//	    natsclient.WithAuth(cfg.NATS.Username, cfg.NATS.Password, cfg.NATS.Token),
//	    natsclient.WithLogger(logger),
//	    natsclient.WithMetrics(registry.CoreMetrics()),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(context.Background())
//
//	bucket, err := client.CreateObjectStore(ctx, jetstream.ObjectStoreConfig{Bucket: name})
//
// # Testing
//
// StartTestServer runs a real NATS server with testcontainers. Integration
// tests are behind the integration build tag and share one server from TestMain.
package natsclient
