// Package googlecal implements the provider adapter for Google Calendar:
// incremental change listing over sync tokens, etag-guarded writes via
// If-Match, and translation of googleapi failures onto the engine's failure
// taxonomy.
package googlecal
