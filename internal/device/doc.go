// Package device provides the Device Registry.
//
// The registry is the authoritative catalogue of field devices known to the
// server. It records the metadata each device announces at registration and
// tracks reachability through the device lifecycle:
//
//	UNKNOWN ──Register──▶ REGISTERED ──RecordActivity──▶ ONLINE
//	                      OFFLINE    ──RecordActivity──▶ ONLINE
//	                      ONLINE     ──MarkStale──────▶ OFFLINE
//
// MarkStale is driven by the heartbeat monitor and is the only way a device
// becomes OFFLINE. Devices are never deleted.
//
// # Architecture
//
//	┌──────────────────────────────────────────────┐
//	│                Device Registry                │
//	│                                               │
//	│  ┌──────────────────┐    ┌──────────────────┐ │
//	│  │     Registry     │    │    Repository    │ │
//	│  │  (registry.go)   │───▶│ (repository.go)  │ │
//	│  │                  │    │                  │ │
//	│  │ • per-device lock│    │ • SQLite upsert  │ │
//	│  │ • pending buffer │    │ • activity write │ │
//	│  │ • change events  │    │                  │ │
//	│  └──────────────────┘    └──────────────────┘ │
//	└──────────────────────────────────────────────┘
//
// # Usage
//
//	repo := device.NewSQLiteRepository(db.DB)
//	registry := device.NewRegistry(repo)
//	registry.SetLogger(log)
//
//	if err := registry.RefreshCache(ctx); err != nil {
//	    return err
//	}
//
//	dev, err := registry.Register(ctx, reg.DeviceID, device.MetadataFromRegistration(reg))
//
// # Thread Safety
//
// All Registry methods are safe for concurrent use. Mutations of one device
// are serialised by that device's lock and reach the repository in the order
// they were applied. Mutations of different devices proceed independently.
package device
