package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTarget(t *testing.T) {
	tests := []struct {
		in   string
		want target
		err  bool
	}{
		{in: "host:/dev/sdb", want: target{host: "host", path: "/dev/sdb"}},
		{in: "alice@host:/dev/sdb", want: target{user: "alice", host: "host", path: "/dev/sdb"}},
		{in: "host:backup.img", want: target{host: "host", path: "backup.img"}},
		{in: "/dev/sdb", err: true},
		{in: "host:", err: true},
		{in: ":/dev/sdb", err: true},
		{in: "@host:/dev/sdb", err: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseTarget(tt.in)
			if tt.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
