package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBoardRoleRank(t *testing.T) {
	assert.Less(t, RoleViewer.Rank(), RoleEditor.Rank())
	assert.Less(t, RoleEditor.Rank(), RoleAdmin.Rank())
	assert.Equal(t, -1, BoardRole("superuser").Rank())

	assert.True(t, RoleViewer.Valid())
	assert.False(t, BoardRole("").Valid())
}

func TestElementKindValid(t *testing.T) {
	for _, k := range []ElementKind{
		ElementStroke, ElementRect, ElementCircle, ElementLine, ElementArrow,
		ElementText, ElementSticky, ElementTable, ElementImage, ElementConnector,
		ElementNode,
	} {
		assert.True(t, k.Valid(), string(k))
	}

	assert.False(t, ElementKind("hologram").Valid())
	assert.False(t, ElementKind("").Valid())
}
