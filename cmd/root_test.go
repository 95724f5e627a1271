package cmd

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/scalinity/curaknot-sync/internal/provider"
	"github.com/scalinity/curaknot-sync/internal/store"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, exitOK},
		{"generic", errors.New("boom"), exitError},
		{"not found", store.ErrNotFound, exitNotFound},
		{"wrapped not found", fmt.Errorf("lookup: %w", store.ErrNotFound), exitNotFound},
		{"auth expired", provider.NewError(provider.FailureAuthExpired, errors.New("token revoked")), exitAuthRequired},
		{"pending conflicts", errPendingConflicts, exitConflictPending},
		{"transient", provider.NewError(provider.FailureTransient, errors.New("503")), exitError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestParseTypesRejectsUnknown(t *testing.T) {
	_, err := parseTypes([]string{"task", "meeting"})
	assert.Error(t, err)
}

func TestCommandsRegistered(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "sync", "connections", "conflicts", "feed", "version"} {
		assert.True(t, names[want], "command %s not registered", want)
	}
}
