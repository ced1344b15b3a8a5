// Package postgres manages the postgres connection pair (primary/replica)
// shared by the library's persistence layers and provides the durable saga
// instance store.
package postgres
