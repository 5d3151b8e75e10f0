// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"encoding/json"
	"sort"
	"strings"
	"unicode"
)

// Wildcard in a ledger row means every table changed.
const Wildcard = "*"

// TablesValue is the decoded form of a ledger row's polymorphic "tables"
// field. It is one of SingleName, NameList, DelimitedString or FlagMap.
type TablesValue interface {
	tableNames() []string
}

// SingleName is one table name.
type SingleName string

// NameList is a JSON array; elements are decoded recursively.
type NameList []any

// DelimitedString is a list of names separated by commas, semicolons, pipes
// or whitespace.
type DelimitedString string

// FlagMap is a JSON object: either a wrapper carrying "tables", "table" or
// "name", or a map whose keys are table names and whose values are flags.
type FlagMap map[string]any

// DecodeTables classifies a raw "tables" value. It returns nil for values
// that carry no table names.
func DecodeTables(v any) TablesValue {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil
		}
		if s[0] == '[' || s[0] == '{' {
			var decoded any
			if err := json.Unmarshal([]byte(s), &decoded); err == nil {
				return DecodeTables(decoded)
			}
		}
		if strings.IndexFunc(s, isDelimiter) >= 0 {
			return DelimitedString(s)
		}
		return SingleName(s)
	case []any:
		return NameList(t)
	case []string:
		list := make(NameList, len(t))
		for i, s := range t {
			list[i] = s
		}
		return list
	case map[string]any:
		return FlagMap(t)
	default:
		return nil
	}
}

func isDelimiter(r rune) bool {
	return r == ',' || r == ';' || r == '|' || unicode.IsSpace(r)
}

func (n SingleName) tableNames() []string {
	if name := normalizeName(string(n)); name != "" {
		return []string{name}
	}
	return nil
}

func (d DelimitedString) tableNames() []string {
	var out []string
	for _, part := range strings.FieldsFunc(string(d), isDelimiter) {
		if name := normalizeName(part); name != "" {
			out = append(out, name)
		}
	}
	return out
}

func (l NameList) tableNames() []string {
	var out []string
	for _, elem := range l {
		if v := DecodeTables(elem); v != nil {
			out = append(out, v.tableNames()...)
		}
	}
	return out
}

func (m FlagMap) tableNames() []string {
	if nested, ok := m["tables"]; ok {
		if v := DecodeTables(nested); v != nil {
			return v.tableNames()
		}
		return nil
	}
	for _, key := range []string{"table", "name"} {
		if s, ok := m[key].(string); ok {
			return SingleName(s).tableNames()
		}
	}
	var out []string
	for key, flag := range m {
		if flag == nil || flag == false {
			continue
		}
		if name := normalizeName(key); name != "" {
			out = append(out, name)
		}
	}
	return out
}

// NormalizeTables flattens a raw "tables" value into sorted, unique,
// lowercase table names.
func NormalizeTables(v any) []string {
	decoded := DecodeTables(v)
	if decoded == nil {
		return nil
	}
	seen := make(map[string]struct{})
	var out []string
	for _, name := range decoded.tableNames() {
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func normalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
