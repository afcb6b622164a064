package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/blockbeam/internal/extent"
)

func TestCheckCapacity(t *testing.T) {
	tests := []struct {
		name    string
		src     uint64
		dst     uint64
		wantErr bool
	}{
		{"dest smaller", 1000, 999, true},
		{"dest equal", 1000, 1000, false},
		{"dest larger", 1000, 4096, false},
		{"both empty", 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckCapacity(
				extent.Extent{ID: "/dev/sda", ByteLength: tt.src},
				extent.Extent{ID: "/dev/sdb", ByteLength: tt.dst},
			)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInsufficientCapacity)

			var capErr *CapacityError
			require.ErrorAs(t, err, &capErr)
			assert.Equal(t, tt.src, capErr.SourceBytes)
			assert.Equal(t, tt.dst, capErr.DestBytes)
			assert.Contains(t, err.Error(), "999")
			assert.Contains(t, err.Error(), "1000")
		})
	}
}
