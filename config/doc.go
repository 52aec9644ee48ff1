// Package config loads the bufferd configuration.
//
// A configuration is a JSON or YAML document with these sections:
//
//   - listener: where buffer traffic from the board arrives and which IP tag
//     routes it; port 0 binds an ephemeral port
//   - transceiver: the board's address, reply timeout, retries and send pacing
//   - storage: memory, file (Badger) or objectstore (NATS JetStream)
//   - nats: connection settings used in objectstore mode
//   - buffering: send window size and drain queue size
//   - metrics: the Prometheus endpoint
//   - cores: the vertices placed on the board, their region base addresses,
//     the regions the host streams events into and the regions it drains
//
// # Basic Usage
//
//	loader := config.NewLoader()
//	loader.AddLayer("bufferd.yaml")
//	loader.AddLayer("site.json") // Overrides the first layer
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// Layers are merged over Default with last-wins semantics. Objects merge key
// by key; lists such as cores are replaced whole. Durations may be written as
// strings ("500ms"). Relative schedule paths resolve against the directory of
// the layer that names them.
//
// # Environment Variable Overrides
//
// After merging, BUFFERLINK_* variables override single values:
//
//	export BUFFERLINK_BOARD_HOST="192.168.240.1"
//	export BUFFERLINK_STORAGE_MODE="file"
//	export BUFFERLINK_STORAGE_PATH="/var/lib/bufferd"
//
// # Security
//
// Config files are read with the same checks in every mode:
//   - File size limits (10MB max) to prevent memory exhaustion
//   - JSON depth validation (100 levels max)
//   - Path validation to prevent directory traversal
//   - Regular file checks (no symlinks or device files)
package config
