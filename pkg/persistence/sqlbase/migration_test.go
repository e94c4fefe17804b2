package sqlbase

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLatestVersion(t *testing.T) {
	tests := []struct {
		name       string
		migrations map[int]string
		want       int
	}{
		{name: "none", migrations: map[int]string{}, want: 0},
		{name: "ordered", migrations: map[int]string{1: "a", 2: "b", 3: "c"}, want: 3},
		{name: "sparse", migrations: map[int]string{10: "a", 2: "b"}, want: 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMigrationManager(slog.Default(), nil, tt.migrations)
			assert.Equal(t, tt.want, m.LatestVersion())
		})
	}
}
