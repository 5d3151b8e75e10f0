// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/mobiletoly/go-agrosync/catalog"
	"github.com/mobiletoly/go-agrosync/internal/format"
	"github.com/mobiletoly/go-agrosync/localstore"
)

// User is the record returned by a successful PIN login.
type User struct {
	ID      string
	FincaID string
	Name    string
	Row     localstore.Row
}

// PINLogin resolves a PIN against the cached usuario table so login keeps
// working offline. It returns (nil, nil) when no user carries the PIN.
type PINLogin struct {
	Store *localstore.Store
}

// Login looks the PIN up in clave_pin first, then pin.
func (p *PINLogin) Login(ctx context.Context, pin string) (*User, error) {
	pin = strings.TrimSpace(pin)
	if pin == "" {
		return nil, nil
	}
	usuarios := p.Store.Table(catalog.Usuario)
	for _, field := range []string{"clave_pin", "pin"} {
		rows, err := usuarios.Where(field).Equals(ctx, pin)
		if err != nil {
			return nil, fmt.Errorf("failed to look up user by %s: %w", field, err)
		}
		if len(rows) > 0 {
			return userFromRow(rows[0]), nil
		}
	}
	return nil, nil
}

func userFromRow(row localstore.Row) *User {
	u := &User{Row: row}
	if id, err := format.KeyString(row["id"]); err == nil {
		u.ID = id
	}
	if finca, err := format.KeyString(row["id_finca"]); err == nil {
		u.FincaID = finca
	}
	if name, ok := row["nombre"].(string); ok {
		u.Name = name
	}
	return u
}
