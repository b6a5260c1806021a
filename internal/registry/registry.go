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

// Package registry resolves server ids to BMC identities. Every
// implementation is read-only.
package registry

import (
	"context"
	"fmt"
	"sort"

	"CraneBmc/internal/config"
	"CraneBmc/internal/types"
)

type Registry interface {
	// Lookup fails with KindNotFound for an unknown id.
	Lookup(ctx context.Context, id string) (types.ServerRecord, error)
	// FindByAddress reports the id registered for a BMC host, if any.
	FindByAddress(ctx context.Context, host string) (string, bool, error)
	List(ctx context.Context) ([]types.ServerRecord, error)
}

func New(cfg *config.RegistryConfig) (Registry, error) {
	switch cfg.Type {
	case "file":
		r, err := LoadFile(cfg.Path)
		if err != nil {
			return nil, err
		}
		return r, nil
	case "sqlite":
		r, err := OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unsupported registry type: %s", cfg.Type)
	}
}

func notFound(id string) error {
	return types.NewError(types.KindNotFound, id, "lookup", fmt.Errorf("server %q is not registered", id))
}

// Static is an in-memory registry.
type Static struct {
	byID   map[string]types.ServerRecord
	byHost map[string]string
}

func NewStatic(records ...types.ServerRecord) *Static {
	s := &Static{
		byID:   make(map[string]types.ServerRecord, len(records)),
		byHost: make(map[string]string, len(records)),
	}
	for _, r := range records {
		s.byID[r.ID] = r
		if prev, ok := s.byHost[r.Identity.Host]; !ok || r.ID < prev {
			s.byHost[r.Identity.Host] = r.ID
		}
	}
	return s
}

func (s *Static) Lookup(ctx context.Context, id string) (types.ServerRecord, error) {
	r, ok := s.byID[id]
	if !ok {
		return types.ServerRecord{}, notFound(id)
	}
	return r, nil
}

func (s *Static) FindByAddress(ctx context.Context, host string) (string, bool, error) {
	id, ok := s.byHost[host]
	return id, ok, nil
}

func (s *Static) List(ctx context.Context) ([]types.ServerRecord, error) {
	out := make([]types.ServerRecord, 0, len(s.byID))
	for _, r := range s.byID {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
