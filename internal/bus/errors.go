package bus

import "errors"

// ErrClosed is returned by Publish/Subscribe after Close has been called.
var ErrClosed = errors.New("bus: closed")
