/*
Package auth issues, revokes and validates bearer tokens.

Plaintexts are never stored; every row carries only a sha256 fingerprint.
Issuing a token deactivates any previously active tokens for the same
user, so at most one active row per user exists at any time. Successful
validations are cached for 30 seconds; issue flushes the cache and
revoke drops the revoked token's entry, so either takes effect on the
next validation.
*/
package auth
