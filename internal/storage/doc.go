// Package storage persists snapshot schedules.
//
// Entries live under the "snapshots" namespace as
// key -> [target, resourceGroup, cron]. Writes are staged in memory and
// made durable by Persist, so a caller can confirm a schedule only once
// it is on disk.
package storage
