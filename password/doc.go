// Package password implements the password-hashing collaborator with argon2id.
//
// # Output format
//
// Hashes are encoded in PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// [Argon2.NeedsRehash] reports hashes produced with weaker parameters so the
// caller can re-hash after the next successful sign-in.
//
// This package owns hashing and verification only. It never stores
// passwords and never logs them.
package password
