// Package telemetry decodes the sensor-sync indication stream.
//
// A sensor announces the fields it records as descriptors of the sync characteristic. NewSchema
// resolves those identifiers once per connection into an ordered rule list; Schema.Decode then
// walks each indication payload against that list without looking at identifiers again.
package telemetry
