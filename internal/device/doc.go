// Package device defines the fleet's device model and the registry that
// catalogues every device a coordinator knows about.
//
// # Overview
//
// A Device is anything the coordinator can dispatch work to: sensors,
// cameras, drones, robots and so on. Devices enter the registry either
// through discovery (broadcast, mDNS, UPnP) or explicit registration, and
// they leave it only through explicit unregistration. Devices that stop
// sending heartbeats are marked StateOffline, never deleted.
//
// # Ownership
//
// The Registry is the only writer of device fields. Other components read
// copies returned by Get/List and request mutations through Registry
// methods (UpdateState, Heartbeat, Update, MarkStale). Every returned
// *Device is a deep copy, so callers may modify it freely without racing
// the registry.
//
// # Concurrency Model
//
//   - One RWMutex guards the device map
//   - Read operations use RLock for parallel access
//   - Locks are never held across I/O or callbacks into other packages
//
// # Example
//
//	reg := device.NewRegistry(clock.New())
//	ok := reg.Register(&device.Device{
//	    ID:   "cam-1",
//	    Type: device.TypeCamera,
//	    Capabilities: []device.Capability{{Name: "video"}},
//	})
//	if !ok {
//	    // id already taken
//	}
//	cams := reg.Filter(device.Filter{Type: device.TypeCamera})
package device
