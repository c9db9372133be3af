// Package snapshot defines the per-pair recovery checkpoint: the full
// serialized order book plus the log offsets and event ids it reflects.
//
// Snapshots are written whole under "snapshot:{pair}" and read once per
// pair at startup. There is no history; the latest write wins.
package snapshot
