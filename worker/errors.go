package worker

// GuestError is a failure declared by the invoked guest function.
// It is recorded in the oplog and returned again for the same idempotency key.
type GuestError struct {
	Message string
}

func (e *GuestError) Error() string {
	return e.Message
}
