// Package audit is the moderation case log.
//
// Case IDs are numbered per guild and allocated by the storage Sequence, so
// concurrent commands never share a number. A case is stored before it is
// published; delivery to log channels happens later and may be lost without
// affecting the record.
package audit
