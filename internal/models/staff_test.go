package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaff_PasswordHashing(t *testing.T) {
	s := &Staff{Username: "ops"}
	require.NoError(t, s.SetPassword("s3cret"))

	assert.NotEqual(t, "s3cret", s.PasswordHash)
	assert.True(t, s.CheckPassword("s3cret"))
	assert.False(t, s.CheckPassword("wrong"))
}

func TestBlockedOrigin_Permanent(t *testing.T) {
	assert.True(t, (&BlockedOrigin{Kind: BlockKindPermanent}).Permanent())
	assert.False(t, (&BlockedOrigin{Kind: BlockKindTemporary}).Permanent())
}
