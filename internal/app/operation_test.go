package app

import (
	"errors"
	"testing"

	"cbak-go/internal/model"
)

func TestNewOperation(t *testing.T) {
	tests := []struct {
		name       string
		operation  string
		parameters string
	}{
		{name: "with parameters", operation: "Scan", parameters: "source=3"},
		{name: "empty parameters", operation: "Run", parameters: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := NewOperation(tt.operation, tt.parameters)

			if op.Operation != tt.operation {
				t.Errorf("Operation = %q, want %q", op.Operation, tt.operation)
			}
			if op.Parameters != tt.parameters {
				t.Errorf("Parameters = %q, want %q", op.Parameters, tt.parameters)
			}
			if op.Status != model.OperationSucceeded {
				t.Errorf("Status = %q, want %q", op.Status, model.OperationSucceeded)
			}
			if op.Persisted() {
				t.Error("new operation reports persisted")
			}
		})
	}
}

func TestOperation_Fail(t *testing.T) {
	op := NewOperation("Run", "")
	op.Fail(nil)
	if op.Status != model.OperationSucceeded {
		t.Errorf("Fail(nil) changed status to %q", op.Status)
	}
	op.Fail(errors.New("boom"))
	if op.Status != model.OperationFailed {
		t.Errorf("Status = %q, want %q", op.Status, model.OperationFailed)
	}
}
