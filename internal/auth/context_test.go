// ABOUTME: Unit tests for authentication context functions
// ABOUTME: Tests Identity helpers and context propagation

package auth

import (
	"context"
	"testing"

	"github.com/2389/maintdesk/internal/store"
)

func TestIdentity_IsAdmin(t *testing.T) {
	tests := []struct {
		name string
		role store.Role
		want bool
	}{
		{"admin", store.RoleAdmin, true},
		{"user", store.RoleUser, false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := &Identity{TelegramID: 1, Role: tt.role}
			if got := id.IsAdmin(); got != tt.want {
				t.Errorf("IsAdmin() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIdentity_Ref(t *testing.T) {
	id := &Identity{TelegramID: 5, Name: "Ann", Username: "ann", Role: store.RoleAdmin}
	ref := id.Ref()
	if ref != (store.UserRef{TelegramID: 5, Name: "Ann", Username: "ann"}) {
		t.Errorf("Ref() = %+v", ref)
	}
}

func TestWithIdentity_FromContext(t *testing.T) {
	id := &Identity{TelegramID: 42, Role: store.RoleUser}
	ctx := WithIdentity(context.Background(), id)

	got := FromContext(ctx)
	if got != id {
		t.Fatalf("FromContext() = %v, want %v", got, id)
	}
}

func TestFromContext_Missing(t *testing.T) {
	if got := FromContext(context.Background()); got != nil {
		t.Errorf("FromContext() = %v, want nil", got)
	}
}

func TestMustFromContext_Panics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("MustFromContext() should panic without identity")
		}
	}()
	MustFromContext(context.Background())
}
