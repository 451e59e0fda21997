// Package device provides the persistent registry of Velbus modules.
//
// The registry is the durable record of every module the bridge manages:
// its identity from the bridge config, its last known status and the last
// value of every channel. Only the current value is kept; superseded values
// are overwritten. It survives restarts, so the REST API can show
// module state before the bus has answered the startup refresh.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────────┐
//	│                     Module Registry                       │
//	│                                                           │
//	│  ┌──────────────────┐    ┌──────────────────┐             │
//	│  │     Registry     │    │    Repository    │             │
//	│  │   (registry.go)  │───▶│  (repository.go) │             │
//	│  │ • Seed/upsert    │    │ • SQLite queries │             │
//	│  │ • In-memory cache│    │ • JSON state     │             │
//	│  └──────────────────┘    └──────────────────┘             │
//	└──────────────────────────────────────────────────────────┘
//
// The velbus bridge writes through the Registry (seed on start, state on
// every decoded change, status on configuration errors). The REST API reads
// from it.
//
// # Thread Safety
//
// All Registry methods are safe for concurrent use. Returned modules are
// deep copies and may be modified by the caller.
//
// # Usage
//
//	repo := device.NewSQLiteRepository(db.DB)
//	registry := device.NewRegistry(repo)
//	if err := registry.RefreshCache(ctx); err != nil {
//	    return err
//	}
//
//	modules := registry.ListModules(ctx)
package device
