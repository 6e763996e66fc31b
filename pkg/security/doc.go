/*
Package security implements the fleet's certificate authority and the
encrypted keystore that protects its signing key.

The CA maintains a self-signed root (RSA 4096, 10 years) and issues per-node
leaf certificates (RSA 2048, client auth only) whose common name is the node
ID. Agents authenticate every post-enrollment call with their leaf over mTLS.

Renewal is the delicate path: the node proves possession of its current
certificate by presenting its thumbprint, and the issue-then-revoke swap runs
as a single store transaction, so a node can never be observed with zero or
two valid certificates. Revoked records are kept for audit.

Root material never touches disk in the clear. It is serialized into the
keystore, which seals entries with AES-256-GCM under a key derived from the
operator-supplied passphrase.
*/
package security
