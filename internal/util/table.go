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

import (
	"io"

	"github.com/olekukonko/tablewriter"
)

// MaxCellWidth is where TrimTableExcept cuts long cells.
const MaxCellWidth = 30

func SetBorderlessTable(table *tablewriter.Table) {
	table.SetBorder(false)
	table.SetAutoFormatHeaders(true)
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
}

func SetBorderTable(table *tablewriter.Table) {
	table.SetBorders(tablewriter.Border{Left: true, Top: true, Right: true, Bottom: true})
	table.SetAutoFormatHeaders(true)
	table.SetAutoWrapText(true)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("|")
}

// TrimTableExcept cuts cells longer than MaxCellWidth and appends `...`.
// Columns listed in excepts are left alone.
func TrimTableExcept(rows [][]string, excepts ...int) {
	skip := make(map[int]bool, len(excepts))
	for _, e := range excepts {
		skip[e] = true
	}
	for i, row := range rows {
		for j, cell := range row {
			if skip[j] || len(cell) <= MaxCellWidth {
				continue
			}
			rows[i][j] = cell[:MaxCellWidth] + "..."
		}
	}
}

// RenderTable writes header and rows to w. Borderless output is the
// default for listings; bordered output suits short summaries.
func RenderTable(w io.Writer, header []string, rows [][]string, border bool) {
	table := tablewriter.NewWriter(w)
	if border {
		SetBorderTable(table)
	} else {
		SetBorderlessTable(table)
	}
	table.SetHeader(header)
	table.AppendBulk(rows)
	table.Render()
}
