// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package outbox

import (
	"strings"

	"github.com/google/uuid"
)

// TempPrefix marks identifiers assigned locally before the remote store has
// acknowledged a row.
const TempPrefix = "temp_"

// Identity is the lifecycle state of a row's primary key: Pending until the
// remote store assigns the real key, Confirmed afterwards.
type Identity interface {
	identity()
}

// Pending is a locally generated placeholder key.
type Pending struct {
	TempID string
}

// Confirmed is a key assigned (or accepted) by the remote store.
type Confirmed struct {
	ServerID any
}

func (Pending) identity()   {}
func (Confirmed) identity() {}

// Confirm is the only transition from Pending to Confirmed.
func (p Pending) Confirm(serverID any) Confirmed {
	return Confirmed{ServerID: serverID}
}

// NewTempID returns a fresh placeholder key.
func NewTempID() string {
	return TempPrefix + uuid.NewString()
}

// IsTempID reports whether v is a placeholder key.
func IsTempID(v any) bool {
	s, ok := v.(string)
	return ok && strings.HasPrefix(s, TempPrefix)
}

// IdentityOf classifies a primary-key value.
func IdentityOf(v any) Identity {
	if IsTempID(v) {
		return Pending{TempID: v.(string)}
	}
	return Confirmed{ServerID: v}
}
