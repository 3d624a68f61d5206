package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCoalesceKind(t *testing.T) {
	tests := []struct {
		name string
		old  ChangeKind
		new  ChangeKind
		want ChangeKind
	}{
		{"modified then modified", ChangeModified, ChangeModified, ChangeModified},
		{"created then modified stays created", ChangeCreated, ChangeModified, ChangeCreated},
		{"created then removed collapses to removed", ChangeCreated, ChangeRemoved, ChangeRemoved},
		{"modified then removed", ChangeModified, ChangeRemoved, ChangeRemoved},
		{"removed then created is a replace", ChangeRemoved, ChangeCreated, ChangeModified},
		{"removed then modified", ChangeRemoved, ChangeModified, ChangeModified},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CoalesceKind(tt.old, tt.new))
		})
	}
}
