// Package dozer implements a prefix-command Discord bot for FIRST
// robotics communities, backed by a PostgreSQL record store.
//
// Commands are organized into cogs, each of which registers its table
// schemas, commands, and gateway listeners against the core bot. The
// store keeps every table schema in a registry, migrates them to their
// latest version on startup, and serves reads through per-table
// caches with explicit, caller-driven invalidation.
//
// Key components of the package include:
//
//   - Dozer: The main struct that wires the pieces together and owns
//     the run loop.
//   - Discord: Manages the gateway session and connection state.
//   - Store: Translates Records to parameterized SQL over a pgx pool.
//   - Registry: The set of registered table schemas and their
//     migrations.
//   - ConfigCache: A read-through per-table cache keyed by canonical
//     parameter sets.
//   - API: A read-only HTTP status server.
//
// The built-in cogs provide member/guild/AFK information commands,
// voice channel role bindings, and FIRST Tech Challenge team lookups
// via The Orange Alliance.
package dozer
