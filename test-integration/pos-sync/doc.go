// Package integration provides integration tests for pos-sync.
// These tests run a master and a slave server on real ports, each with its
// own data directory, and drive synchronization over HTTP.
package integration
