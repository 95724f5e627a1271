// Package localcal is the provider adapter over the device-local calendar
// stored in the engine's database. Row versions serve as etags and a
// monotonic per-calendar sequence serves as the change cursor.
package localcal
