package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusClassification(t *testing.T) {
	tests := []struct {
		status     string
		terminal   bool
		successful bool
	}{
		{"Succeeded", true, true},
		{"Completed", true, true},
		{"Failed", true, false},
		{"Cancelled", true, false},
		{"succeeded", true, true},
		{"COMPLETED", true, true},
		{"failed", true, false},
		{"cAnCeLlEd", true, false},
		{"Running", false, false},
		{"Queued", false, false},
		{"", false, false},
		{"Canceled", false, false},
		{" Succeeded", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			assert.Equal(t, tt.terminal, IsTerminal(tt.status), "IsTerminal")
			assert.Equal(t, tt.successful, IsSuccessful(tt.status), "IsSuccessful")
		})
	}
}

func TestSuccessImpliesTerminal(t *testing.T) {
	for _, s := range []string{StatusSucceeded, StatusCompleted, StatusFailed, StatusCancelled} {
		if IsSuccessful(s) && !IsTerminal(s) {
			t.Errorf("%s is successful but not terminal", s)
		}
	}
}
