// Package nonce implements the stateless request token that protects the
// self-dispatch endpoint.
//
// A token is HMAC-SHA256(key, "<tick>|<action>") truncated to ten hex
// characters, where action is a BLAKE3 digest of the task identifier and its
// canonical argument encoding, and tick advances every half lifetime. The
// verifier recomputes the token for the current and the previous tick, so a
// token is accepted for between one half and one full lifetime after minting.
//
// Nothing is stored. A captured token can be replayed until its window closes,
// but only for the exact identifier and arguments it was minted for.
package nonce
