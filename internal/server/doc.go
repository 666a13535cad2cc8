// Package server implements the echo service: a shared State holding the
// sockets and the active TCP client counter, an admission controller that
// caps concurrent TCP workers, the per-connection TCP echo workers and a
// single UDP echo loop.
package server
