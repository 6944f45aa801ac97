// Package syncstorage is the backend independent sync storage core.
//
// Records (BSOs) live in per user collections. Every collection has a head
// row holding its last modified stamp, and every mutation of a collection is
// a single conditional commit against that head: the new stamp, the changed
// rows and the updated counters are written together or not at all. This
// gives each collection a total write order across processes without any
// in-process locking, and the stamp a reader sees is never ahead of the data
// it can read.
//
// Storage is the entry point. It validates input, resolves collections,
// checks the user's quota and routes to the Repository, which runs the
// compare-and-retry commit loop. The Reaper removes expired records out of
// band through the same loop, so purges bump collection stamps like any
// other write.
package syncstorage
