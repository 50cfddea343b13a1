package state

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    Config
		wantErr bool
	}{
		{
			name: "defaults",
			want: DefaultConfig(),
		},
		{
			name: "custom",
			args: []string{"--state.retain-roots=4", "--state.node-cache=0"},
			want: Config{RetainRoots: 4, NodeCacheSize: 0},
		},
		{
			name:    "no retained roots",
			args:    []string{"--state.retain-roots=0"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := &cobra.Command{}
			cmd.Flags().AddFlagSet(Flags())
			require.NoError(t, cmd.ParseFlags(tt.args))

			cfg := DefaultConfig()
			err := ParseFlags(cmd, &cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg)
		})
	}
}
