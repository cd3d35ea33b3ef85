package rtclient

import "fmt"

// RealtimeAuthError reports that the gateway closed the socket for a
// missing or rejected token. The client refreshes and reconnects.
type RealtimeAuthError struct {
	Code   int
	Reason string
}

func (e *RealtimeAuthError) Error() string {
	return fmt.Sprintf("realtime auth rejected (%d): %s", e.Code, e.Reason)
}

// RealtimeConnectionError is the persistent failure surfaced once the
// reconnect budget is spent.
type RealtimeConnectionError struct {
	Attempts int
	Err      error
}

func (e *RealtimeConnectionError) Error() string {
	return fmt.Sprintf("realtime connection failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RealtimeConnectionError) Unwrap() error { return e.Err }
