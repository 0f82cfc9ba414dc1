package store

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sourabh1428/easybill-engine/internal/gateway"
)

func TestUserDestinationFor(t *testing.T) {
	u := User{Email: "a@example.com", Phone: "9876543210"}

	assert.Equal(t, "9876543210", u.DestinationFor(gateway.ChannelWhatsApp))
	assert.Equal(t, "a@example.com", u.DestinationFor(gateway.ChannelEmail))
	assert.Equal(t, "", u.DestinationFor("sms"))

	var empty User
	assert.Equal(t, "", empty.DestinationFor(gateway.ChannelWhatsApp))
}
