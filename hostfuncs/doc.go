// Package hostfuncs provides pure Go implementations of the functions a host
// exports to AICI guests: print, read token trie, read argument and tokenize.
// These implementations have NO WASM runtime dependencies; they operate on a
// buffers.Memory and on the session Env carried by the context.
package hostfuncs
