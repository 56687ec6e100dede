//go:build !unix

package transport

// isTemporaryErrno only classifies errnos on unix; elsewhere accept errors
// other than timeouts are fatal.
func isTemporaryErrno(error) bool { return false }
