/*
Package storage persists all fleet state in an embedded BoltDB database.

Each record type lives in its own bucket as JSON: enrollment tokens (plus a
digest index for secret lookup), nodes, hardware inventories, agent
certificates, node capacities, reservations, and the encrypted keystore.

Bolt allows one write transaction at a time, and the store leans on that for
every operation whose correctness depends on a precondition: consuming a
token, swapping a certificate during renewal, carving a reservation out of
available capacity, and moving a reservation between states all re-check the
stored row inside the transaction that mutates it. Callers therefore never
need read-modify-write loops or external locking for these paths.
*/
package storage
