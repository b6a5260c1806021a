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
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	numRegex   = regexp.MustCompile(`^\d+$`)
	scopeRegex = regexp.MustCompile(`^(\d+)-(\d+)$`)
)

// ParseHostList expands a comma separated host list in which any name
// may carry bracket ranges, e.g. `node[01-03,07],gpu[1-2]a`.
// Duplicates are kept in order of appearance.
func ParseHostList(hostStr string) ([]string, error) {
	nameStr := strings.ReplaceAll(hostStr, " ", "") + ","

	var nameMeta string
	var strList []string
	var bracket string

	for _, c := range nameStr {
		switch {
		case c == '[':
			if bracket != "" {
				return nil, fmt.Errorf("illegal host list %q: nested brackets", hostStr)
			}
			bracket = string(c)
		case c == ']':
			if bracket == "" {
				return nil, fmt.Errorf("illegal host list %q: isolated bracket", hostStr)
			}
			nameMeta += bracket + string(c)
			bracket = ""
		case c == ',' && bracket == "":
			if nameMeta != "" {
				strList = append(strList, nameMeta)
			}
			nameMeta = ""
		case bracket != "":
			bracket += string(c)
		default:
			nameMeta += string(c)
		}
	}
	if bracket != "" {
		return nil, fmt.Errorf("illegal host list %q: isolated bracket", hostStr)
	}

	var hostList []string
	for _, str := range strList {
		if !strings.Contains(str, "[") {
			hostList = append(hostList, str)
			continue
		}
		nodes, err := ParseNodeList(str)
		if err != nil {
			return nil, err
		}
		hostList = append(hostList, nodes...)
	}
	return hostList, nil
}

// ParseNodeList expands a single bracketed name. Zero padding of the
// range start is preserved, so `n[01-10]` yields `n01`..`n10`.
func ParseNodeList(nodeStr string) ([]string, error) {
	if !strings.Contains(nodeStr, "[") {
		return nil, fmt.Errorf("illegal node name %q: no bracket range", nodeStr)
	}

	unitStrList := strings.Split(nodeStr, "]")
	endStr := unitStrList[len(unitStrList)-1]
	unitStrList = unitStrList[:len(unitStrList)-1]
	resList := []string{""}

	for _, str := range unitStrList {
		head, body, _ := strings.Cut(str, "[")
		var unitList []string

		for _, numStr := range strings.Split(body, ",") {
			if numRegex.MatchString(numStr) {
				unitList = append(unitList, head+numStr)
				continue
			}
			loc := scopeRegex.FindStringSubmatch(numStr)
			if loc == nil {
				return nil, fmt.Errorf("illegal node name %q: bad range %q", nodeStr, numStr)
			}
			start, err1 := strconv.Atoi(loc[1])
			end, err2 := strconv.Atoi(loc[2])
			if err1 != nil || err2 != nil || start > end {
				return nil, fmt.Errorf("illegal node name %q: bad range %q", nodeStr, numStr)
			}
			width := len(loc[1])
			for j := start; j <= end; j++ {
				unitList = append(unitList, fmt.Sprintf("%s%0*d", head, width, j))
			}
		}

		tempList := make([]string, 0, len(resList)*len(unitList))
		for _, left := range resList {
			for _, right := range unitList {
				tempList = append(tempList, left+right)
			}
		}
		resList = tempList
	}

	if endStr != "" {
		for i := range resList {
			resList[i] += endStr
		}
	}
	return resList, nil
}
