/**
 * Copyright (c) 2024 Peking University and Peking University
 * Changsha Institute for Computing and Digital Economy
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package types

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindNone           ErrorKind = ""
	KindPoolExhausted  ErrorKind = "PoolExhausted"
	KindAuthFailure    ErrorKind = "AuthFailure"
	KindUnreachable    ErrorKind = "Unreachable"
	KindNetworkTimeout ErrorKind = "NetworkTimeout"
	KindProtocolError  ErrorKind = "ProtocolError"
	KindNotFound       ErrorKind = "NotFound"
	KindBusy           ErrorKind = "Busy"
	KindInvalidAction  ErrorKind = "InvalidAction"
	KindCancelled      ErrorKind = "Cancelled"
	KindInternal       ErrorKind = "Internal"
)

// Retryable reports whether a failure of this kind may succeed on a
// later attempt against the same device.
func (k ErrorKind) Retryable() bool {
	return k == KindUnreachable || k == KindNetworkTimeout
}

// Error is the typed failure surfaced by the pool, the controller and
// the registry. Callers branch on Kind.
type Error struct {
	Kind     ErrorKind
	ServerID string
	Op       string
	Err      error
}

func NewError(kind ErrorKind, serverID, op string, err error) *Error {
	return &Error{Kind: kind, ServerID: serverID, Op: op, Err: err}
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.ServerID != "" {
		msg = fmt.Sprintf("server %s: %s", e.ServerID, msg)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotFound)
// works regardless of the wrapped detail.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.ServerID == "" && t.Op == "" && t.Err == nil
}

var (
	ErrPoolExhausted  = &Error{Kind: KindPoolExhausted}
	ErrAuthFailure    = &Error{Kind: KindAuthFailure}
	ErrUnreachable    = &Error{Kind: KindUnreachable}
	ErrNetworkTimeout = &Error{Kind: KindNetworkTimeout}
	ErrProtocol       = &Error{Kind: KindProtocolError}
	ErrNotFound       = &Error{Kind: KindNotFound}
	ErrBusy           = &Error{Kind: KindBusy}
	ErrInvalidAction  = &Error{Kind: KindInvalidAction}
	ErrCancelled      = &Error{Kind: KindCancelled}
)

// KindOf returns the kind of the outermost *Error in err's chain,
// or KindNone when there is none.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindNone
}

// WithServer attaches a server id to err, keeping its kind.
func WithServer(err error, serverID string) error {
	var e *Error
	if errors.As(err, &e) {
		if e.ServerID == serverID {
			return err
		}
		cp := *e
		cp.ServerID = serverID
		return &cp
	}
	return NewError(KindInternal, serverID, "", err)
}
