// Package moderation holds the actions that outlive a single command: timed
// mutes, scheduled bans, temporary roles and channels, and guild-wide bulk
// operations. It reaches the chat platform only through Platform.
package moderation
