package model

import (
	"context"
	"testing"
)

func TestRequestContext_Validate(t *testing.T) {
	tests := []struct {
		name    string
		rc      *RequestContext
		wantErr bool
	}{
		{"valid", &RequestContext{SubjectID: "pharm-1", TenantID: "store-1"}, false},
		{"missing subject", &RequestContext{TenantID: "store-1"}, true},
		{"missing tenant", &RequestContext{SubjectID: "pharm-1"}, true},
		{"empty", &RequestContext{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rc.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRequestContext_HasRole(t *testing.T) {
	rc := &RequestContext{Roles: []string{"pharmacist"}}
	if !rc.HasRole("pharmacist") {
		t.Error("HasRole(pharmacist) = false, want true")
	}
	if rc.HasRole("admin") {
		t.Error("HasRole(admin) = true, want false")
	}
}

func TestRequestContext_roundTrip(t *testing.T) {
	rc := &RequestContext{SubjectID: "pharm-1", TenantID: "store-1"}
	ctx := WithRequestContext(context.Background(), rc)
	if got := RequestContextFrom(ctx); got != rc {
		t.Errorf("RequestContextFrom = %p, want %p", got, rc)
	}
	if got := RequestContextFrom(context.Background()); got != nil {
		t.Errorf("RequestContextFrom(empty) = %v, want nil", got)
	}
}

func TestMustRequestContext_panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustRequestContext did not panic")
		}
	}()
	MustRequestContext(context.Background())
}
