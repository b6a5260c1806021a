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

package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"CraneBmc/internal/types"
)

// Inventory is the on-disk YAML layout of a file registry. Passwords may
// reference environment variables as ${NAME}.
type Inventory struct {
	Defaults InventoryEntry   `yaml:"defaults"`
	Servers  []InventoryEntry `yaml:"servers"`
}

type InventoryEntry struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

func LoadFile(path string) (*Static, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory %s: %w", path, err)
	}
	return ParseInventory(content)
}

func ParseInventory(content []byte) (*Static, error) {
	var inv Inventory
	if err := yaml.Unmarshal(content, &inv); err != nil {
		return nil, fmt.Errorf("failed to parse inventory: %w", err)
	}

	seen := make(map[string]struct{}, len(inv.Servers))
	records := make([]types.ServerRecord, 0, len(inv.Servers))
	for i, e := range inv.Servers {
		if e.ID == "" || e.Host == "" {
			return nil, fmt.Errorf("inventory entry %d: id and host are required", i)
		}
		if _, dup := seen[e.ID]; dup {
			return nil, fmt.Errorf("inventory entry %d: duplicate id %q", i, e.ID)
		}
		seen[e.ID] = struct{}{}

		if e.Port == 0 {
			e.Port = inv.Defaults.Port
		}
		if e.Port == 0 {
			e.Port = types.DefaultIPMIPort
		}
		if e.Username == "" {
			e.Username = inv.Defaults.Username
		}
		if e.Password == "" {
			e.Password = inv.Defaults.Password
		}

		records = append(records, types.ServerRecord{
			ID:   e.ID,
			Name: e.Name,
			Identity: types.ServerIdentity{
				Host:     e.Host,
				Port:     e.Port,
				Username: e.Username,
				Secret:   os.ExpandEnv(e.Password),
			},
		})
	}
	return NewStatic(records...), nil
}
