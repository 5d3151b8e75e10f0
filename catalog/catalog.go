// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package catalog enumerates the entity tables mirrored on the device.
package catalog

import (
	"strings"

	"github.com/mobiletoly/go-agrosync/localstore"
)

// Table names, identical to the remote tables.
const (
	Finca          = "finca"
	Bloque         = "bloque"
	Variedad       = "variedad"
	BloqueVariedad = "bloque_variedad"
	Cama           = "cama"
	Observacion    = "observacion"
	Acciones       = "acciones"
	Usuario        = "usuario"
	Producto       = "producto"

	// Ledger is the append-only change log ("which tables changed").
	Ledger = "sync"
)

// Entry describes one registered table.
type Entry struct {
	Name       string
	PrimaryKey string
	Indexes    []string
}

var entries = []Entry{
	{Name: Finca, PrimaryKey: "id_finca"},
	{Name: Bloque, PrimaryKey: "id_bloque", Indexes: []string{"finca_id"}},
	{Name: Variedad, PrimaryKey: "id_variedad"},
	{Name: BloqueVariedad, PrimaryKey: "id", Indexes: []string{"bloque_id", "variedad_id"}},
	{Name: Cama, PrimaryKey: "id_cama", Indexes: []string{"bloque_variedad_id"}},
	{Name: Observacion, PrimaryKey: "id_observacion", Indexes: []string{"cama_id", "tipo_observacion"}},
	{Name: Acciones, PrimaryKey: "id", Indexes: []string{"id_cama", "fecha"}},
	{Name: Usuario, PrimaryKey: "id", Indexes: []string{"clave_pin", "pin", "id_finca"}},
	{Name: Producto, PrimaryKey: "codigo"},
	{Name: Ledger, PrimaryKey: "id", Indexes: []string{"created_at"}},
}

var byName = func() map[string]Entry {
	m := make(map[string]Entry, len(entries))
	for _, e := range entries {
		m[e.Name] = e
	}
	return m
}()

// All returns every registered table, ledger included.
func All() []Entry {
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out
}

// Synced returns the entity tables pulled from the remote store; the ledger
// is excluded because it is maintained by the ledger client.
func Synced() []Entry {
	out := make([]Entry, 0, len(entries)-1)
	for _, e := range entries {
		if e.Name != Ledger {
			out = append(out, e)
		}
	}
	return out
}

// Lookup finds a table by name, case-insensitively.
func Lookup(name string) (Entry, bool) {
	e, ok := byName[strings.ToLower(strings.TrimSpace(name))]
	return e, ok
}

// PrimaryKey returns the primary-key field of a table, or "" if unknown.
func PrimaryKey(name string) string {
	return byName[strings.ToLower(strings.TrimSpace(name))].PrimaryKey
}

// Defs converts the registry into local store table declarations.
func Defs() []localstore.TableDef {
	defs := make([]localstore.TableDef, 0, len(entries))
	for _, e := range entries {
		defs = append(defs, localstore.TableDef{
			Name:       e.Name,
			PrimaryKey: e.PrimaryKey,
			Indexes:    append([]string(nil), e.Indexes...),
		})
	}
	return defs
}
