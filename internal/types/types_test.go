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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePowerAction(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want PowerAction
	}{
		{"on", ActionOn},
		{"OFF", ActionOff},
		{" restart ", ActionRestart},
		{"force-off", ActionForceOff},
		{"force_restart", ActionForceRestart},
	}
	for _, tt := range tests {
		got, err := ParsePowerAction(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}

	_, err := ParsePowerAction("reboot")
	assert.True(t, errors.Is(err, ErrInvalidAction))
}

func TestExpectedState(t *testing.T) {
	t.Parallel()
	assert.Equal(t, PowerStateOn, ActionOn.ExpectedState())
	assert.Equal(t, PowerStateOn, ActionRestart.ExpectedState())
	assert.Equal(t, PowerStateOn, ActionForceRestart.ExpectedState())
	assert.Equal(t, PowerStateOff, ActionOff.ExpectedState())
	assert.Equal(t, PowerStateOff, ActionForceOff.ExpectedState())
	assert.Equal(t, PowerStateUnknown, PowerAction("x").ExpectedState())
}

func TestIdentity(t *testing.T) {
	t.Parallel()
	id := ServerIdentity{Host: "10.0.0.1", Username: "admin", Secret: "hunter2"}
	assert.Equal(t, "10.0.0.1:623", id.Address())
	assert.Equal(t, "admin@10.0.0.1:623", id.Key())
	assert.NotContains(t, id.String(), "hunter2")
	assert.NotContains(t, fmt.Sprintf("%v", id), "hunter2")

	v6 := ServerIdentity{Host: "fd00::1", Port: 6230, Username: "root"}
	assert.Equal(t, "[fd00::1]:6230", v6.Address())
}

func TestErrorKinds(t *testing.T) {
	t.Parallel()
	err := fmt.Errorf("batch: %w", NewError(KindAuthFailure, "node01", "dial", errors.New("bad hmac")))

	assert.Equal(t, KindAuthFailure, KindOf(err))
	assert.True(t, errors.Is(err, ErrAuthFailure))
	assert.False(t, errors.Is(err, ErrUnreachable))
	assert.Contains(t, err.Error(), "server node01")
	assert.Equal(t, KindNone, KindOf(errors.New("plain")))
	assert.Equal(t, KindNone, KindOf(nil))

	assert.True(t, KindUnreachable.Retryable())
	assert.True(t, KindNetworkTimeout.Retryable())
	assert.False(t, KindAuthFailure.Retryable())
	assert.False(t, KindProtocolError.Retryable())
	assert.False(t, KindPoolExhausted.Retryable())
}

func TestWithServer(t *testing.T) {
	t.Parallel()
	orig := NewError(KindUnreachable, "", "dial", errors.New("refused"))
	wrapped := WithServer(orig, "node02")

	var e *Error
	require.True(t, errors.As(wrapped, &e))
	assert.Equal(t, "node02", e.ServerID)
	assert.Equal(t, "", orig.ServerID)
	assert.Equal(t, KindInternal, KindOf(WithServer(errors.New("x"), "node03")))
}

func TestResults(t *testing.T) {
	t.Parallel()
	ok := SuccessResult("node01", ActionOn, "done")
	assert.NoError(t, ok.Err())

	failed := FailedResult("node02", ActionOn, errors.New("mystery"))
	assert.Equal(t, KindInternal, failed.ErrorKind)
	assert.Error(t, failed.Err())

	// A result that crossed a serialization boundary still yields its kind.
	decoded := PowerActionResult{ServerID: "node03", Action: ActionOff, ErrorKind: KindNotFound, Message: "gone"}
	assert.True(t, errors.Is(decoded.Err(), ErrNotFound))
}
