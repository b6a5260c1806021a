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

package util

type CraneCmdError = int

// general
const (
	ErrorSuccess       CraneCmdError = 0
	ErrorExecuteFailed CraneCmdError = 1
	ErrorCmdArg        CraneCmdError = 2
	ErrorBackend       CraneCmdError = 4
)

// cbmc
const (
	// ErrorPartialFailure means a batch finished with at least one failed server.
	ErrorPartialFailure CraneCmdError = 500
	ErrorScanPartial    CraneCmdError = 501
)
