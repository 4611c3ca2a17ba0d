// Package store persists devices, control authority grants, and DRC session
// audit rows. The Store interface has a SQLite implementation for production
// and an in-memory mock for tests; both are run through the same test suite.
package store
