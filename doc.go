// Package relay bulk-retrieves media messages from a remote chat
// service and redistributes them: downloaded to local disk, or
// forwarded to destination channels through a three-stage scratch
// pipeline, driven over a pool of authenticated sessions under
// rate-limit supervision.
//
// # Quick Start
//
// Assemble a pool over a transport factory and run the driver:
//
//	limiter := relay.NewLimiter()
//	pool := relay.NewPool(gotd.NewFactory(apiID, apiHash))
//	pool.Add("alpha", "alpha.session", true)
//	if err := pool.StartEnabled(ctx); err != nil {
//		return err
//	}
//	defer pool.StopAll(context.Background())
//
//	driver := relay.NewDriver(pool, limiter)
//	report, err := driver.Run(ctx, relay.RunSpec{
//		Mode:              relay.ModeForward,
//		Source:            "@src",
//		StartID:           100,
//		EndID:             199,
//		Targets:           []string{"@d1", "@d2"},
//		PreserveStructure: true,
//		Cleanup:           relay.DefaultCleanupPolicy,
//	})
//
// # Core Types
//
// The root package defines the engine and its contracts:
//
//   - [Client] — authenticated transport handle (transport/gotd, or a fake in tests)
//   - [Pool] — session lifecycle, leasing, and the at-least-one-logged-in invariant
//   - [Limiter] — three-layer rate limiting with flood-wait absorption and adaptive tuning
//   - [Fetcher], [Distribute] — parallel range retrieval and group-aware load balancing
//   - [Downloader] — the local-download workflow
//   - [Forwarder] — the staged scratch-upload, distribute, cleanup pipeline
//   - [Template] — caption rendering from source-message variables
//   - [Driver] — the run state machine producing a [RunReport]
//
// Atomic media groups are never split: every component downstream of
// the grouper operates on [AtomicUnit] values.
//
// See the cmd/relay directory for the command-line entry point.
package relay
