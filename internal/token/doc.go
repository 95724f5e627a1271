// Package token is the credential lifecycle manager: encrypted-at-rest
// storage under a versioned keyring, proactive refresh at 80% of token
// lifetime, transparent mid-pass refresh, and zero-downtime key rotation.
package token
