package session

import "errors"

// ErrInvalidSessionState is returned for any operation on an ended session
// or call.
var ErrInvalidSessionState = errors.New("invalid session state: session has ended")

var ErrCallNotFound = errors.New("call not found")

var ErrInvalidLocation = errors.New("invalid location hint")
