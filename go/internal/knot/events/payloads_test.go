package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEndReasonValid(t *testing.T) {
	for _, r := range []EndReason{ReasonTimeExpired, ReasonExpired, ReasonUserLeft, ReasonPartnerLeft} {
		assert.True(t, r.Valid(), r)
	}
	assert.False(t, EndReason("kicked").Valid())
	assert.False(t, EndReason("").Valid())
}
