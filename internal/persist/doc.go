// Package persist provides backends for the auth client's persistence port:
// the session token and the last selected tenant id.
//
// Memory is process-local. Badger keeps values in an embedded on-disk store,
// which lets the CLI stay signed in across invocations. Postgres shares the
// state between console replicas; every row is keyed by a profile name so
// several identities can coexist in one table.
package persist
