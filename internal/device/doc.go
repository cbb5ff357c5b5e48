// Package device defines the BLE central contract used by the sync engine.
//
// It contains:
//   - the Transport/Connection interfaces a GATT client implementation provides
//   - the discovered Profile model (services, characteristics, descriptors)
//   - the structured connection error taxonomy and UUID normalization helpers
//
// The go-ble backed implementation lives in the goble subpackage.
package device
