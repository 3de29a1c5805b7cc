package session

import "errors"

var (
	ErrTransport           = errors.New("session: transport failure")
	ErrCommandTimeout      = errors.New("session: command timed out")
	ErrCommandDropped      = errors.New("session: command dropped")
	ErrStartTimeout        = errors.New("session: start timeout")
	ErrAuthentication      = errors.New("session: authentication failed")
	ErrConfigureInProgress = errors.New("session: configure already in progress")
	ErrNotReady            = errors.New("session: not ready")
	ErrClosed              = errors.New("session: controller closed")
	ErrAddressRequired     = errors.New("session: control address required")
	ErrInvalidAddress      = errors.New("session: invalid control address")
	ErrInvalidCategory     = errors.New("session: invalid event category")
)
