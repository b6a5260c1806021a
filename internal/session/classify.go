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

package session

import (
	"context"
	"errors"
	"net"
	"strings"

	"golang.org/x/sys/unix"

	"CraneBmc/internal/types"
)

var (
	authMarkers = []string{
		"password", "username", "unauthori", "authentication", "auth code",
		"rakp", "hmac", "integrity", "insufficient privilege", "invalid role",
	}
	timeoutMarkers = []string{
		"timeout", "timed out", "deadline exceeded",
	}
	unreachableMarkers = []string{
		"connection refused", "no route to host", "network is unreachable",
		"host is down", "no such host",
	}
)

// Classify maps an error from the session layer onto the error taxonomy.
// Anything the BMC said that we could not make sense of is a protocol error.
func Classify(err error) types.ErrorKind {
	if err == nil {
		return types.KindNone
	}
	if k := types.KindOf(err); k != types.KindNone {
		return k
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.KindNetworkTimeout
	}
	if errors.Is(err, context.Canceled) {
		return types.KindCancelled
	}

	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return types.KindNetworkTimeout
	}
	if errors.Is(err, unix.ECONNREFUSED) || errors.Is(err, unix.EHOSTUNREACH) ||
		errors.Is(err, unix.ENETUNREACH) {
		return types.KindUnreachable
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return types.KindUnreachable
	}

	msg := strings.ToLower(err.Error())
	if containsAny(msg, authMarkers) {
		return types.KindAuthFailure
	}
	if containsAny(msg, timeoutMarkers) {
		return types.KindNetworkTimeout
	}
	if containsAny(msg, unreachableMarkers) {
		return types.KindUnreachable
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return types.KindUnreachable
	}
	return types.KindProtocolError
}

// Wrap classifies err and returns it as a *types.Error.
func Wrap(err error, op string) error {
	if err == nil {
		return nil
	}
	if types.KindOf(err) != types.KindNone {
		return err
	}
	return types.NewError(Classify(err), "", op, err)
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
