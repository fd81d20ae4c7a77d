package didcomm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExchange_SingleReply(t *testing.T) {
	e := NewExchange(true)
	require.NoError(t, e.Respond(TextPayload("first")))
	assert.ErrorIs(t, e.Respond(TextPayload("second")), ErrReplyBuffered)
	assert.True(t, e.HasResponse())

	got, err := e.WaitResponse(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", string(got.Data))
	assert.False(t, e.HasResponse(), "WaitResponse takes the reply")
}

func TestExchange_CannotRespond(t *testing.T) {
	e := NewExchange(false)
	assert.ErrorIs(t, e.Respond(TextPayload("x")), ErrCannotRespond)

	got, err := e.WaitResponse(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestExchange_WaitResponseWakesOnReply(t *testing.T) {
	e := NewExchange(true)
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = e.Respond(BytesPayload([]byte{1, 2, 3}))
	}()
	got, err := e.WaitResponse(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []byte{1, 2, 3}, got.Data)
	assert.False(t, got.Text)
}

func TestExchange_WaitResponseWakesOnClose(t *testing.T) {
	e := NewExchange(true)
	go func() {
		time.Sleep(20 * time.Millisecond)
		e.SetCanRespond(false)
	}()
	got, err := e.WaitResponse(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.False(t, e.CanRespond())
}

func TestExchange_WaitResponseHonorsContext(t *testing.T) {
	e := NewExchange(true)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := e.WaitResponse(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExchange_ClearResponse(t *testing.T) {
	e := NewExchange(true)
	require.NoError(t, e.Respond(TextPayload("x")))
	e.ClearResponse()
	assert.False(t, e.HasResponse())
	require.NoError(t, e.Respond(TextPayload("y")), "a cleared exchange can buffer again")
}

func TestExchanges_AreIndependent(t *testing.T) {
	a, b := NewExchange(true), NewExchange(true)
	require.NoError(t, a.Respond(TextPayload("a")))
	a.SetCanRespond(false)

	assert.False(t, b.HasResponse())
	assert.True(t, b.CanRespond())
	require.NoError(t, b.Respond(TextPayload("b")))
}

func TestEnvelopeContentType(t *testing.T) {
	newType := MapProfile{SettingNewMIMEType: true}
	oldType := MapProfile{SettingNewMIMEType: false}

	assert.Equal(t, MIMETypeV1, EnvelopeContentType(newType, BytesPayload(nil)))
	assert.Equal(t, MIMETypeV0, EnvelopeContentType(oldType, BytesPayload(nil)))
	assert.Equal(t, MIMETypeV0, EnvelopeContentType(MapProfile{}, BytesPayload(nil)))
	assert.Equal(t, MIMETypeV0, EnvelopeContentType(nil, BytesPayload(nil)))
	assert.Equal(t, MIMETypeJSON, EnvelopeContentType(newType, TextPayload("{}")))
	assert.Equal(t, MIMETypeJSON, EnvelopeContentType(oldType, TextPayload("{}")))
}
