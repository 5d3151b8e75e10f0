// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
)

type contextKey string

const (
	userIDKey  contextKey = "user_id"
	fincaIDKey contextKey = "finca_id"
)

// SetUserID sets the user ID in the context
func SetUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// GetUserID retrieves the user ID from the context
func GetUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDKey).(string)
	return userID, ok && userID != ""
}

// SetFincaID sets the farm the user is scoped to
func SetFincaID(ctx context.Context, fincaID string) context.Context {
	return context.WithValue(ctx, fincaIDKey, fincaID)
}

// GetFincaID retrieves the farm scope from the context
func GetFincaID(ctx context.Context) (string, bool) {
	fincaID, ok := ctx.Value(fincaIDKey).(string)
	return fincaID, ok && fincaID != ""
}

// WithUser stores both identifiers of a logged-in user
func WithUser(ctx context.Context, u *User) context.Context {
	if u == nil {
		return ctx
	}
	ctx = SetUserID(ctx, u.ID)
	if u.FincaID != "" {
		ctx = SetFincaID(ctx, u.FincaID)
	}
	return ctx
}
