package didcomm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/didcommh2/v2/internal/logger"
)

func okReply() *Payload {
	p := TextPayload("OK")
	return &p
}

func TestServeInbound_DirectResponse(t *testing.T) {
	f := &fakeFactory{script: map[string]fakeMessage{
		"direct": {direct: true, reply: okReply()},
	}}
	tr := NewInboundTransport(f, logger.NewDiscardLogger())

	env, err := tr.ServeInbound(context.Background(), inboundRequest("direct"))
	require.NoError(t, err)
	assert.Equal(t, 200, env.Status)
	assert.Equal(t, MIMETypeJSON, env.HeaderValue("content-type"))
	assert.Equal(t, "OK", string(env.Body))

	s := f.last()
	got, err := s.WaitResponse(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got, "the exchange is closed after the in-band reply")
	assert.False(t, s.CanRespond())
	assert.True(t, s.closed)
	assert.Equal(t, ClientInfo{Host: "agent.example", Remote: "192.0.2.10"}, s.info)
}

func TestServeInbound_NoDirectResponse(t *testing.T) {
	f := &fakeFactory{script: map[string]fakeMessage{
		"async": {direct: false, reply: okReply()},
	}}
	tr := NewInboundTransport(f, logger.NewDiscardLogger())

	env, err := tr.ServeInbound(context.Background(), inboundRequest("async"))
	require.NoError(t, err)
	assert.Equal(t, 200, env.Status)
	assert.Empty(t, env.Body)
	assert.Empty(t, env.HeaderValue("content-type"))

	// Processing finishes on its own; the buffer is not touched by the transport.
	s := f.last()
	assert.Eventually(t, s.HasResponse, time.Second, 5*time.Millisecond)
}

func TestServeInbound_DirectResponseWithoutReply(t *testing.T) {
	f := &fakeFactory{script: map[string]fakeMessage{
		"silent": {direct: true, delay: 10 * time.Millisecond},
	}}
	tr := NewInboundTransport(f, nil)

	env, err := tr.ServeInbound(context.Background(), inboundRequest("silent"))
	require.NoError(t, err)
	assert.Equal(t, 200, env.Status)
	assert.Empty(t, env.Body)
}

func TestServeInbound_EnvelopeMIMEType(t *testing.T) {
	envelope := BytesPayload([]byte{0xde, 0xad})
	for _, tt := range []struct {
		name    string
		profile Profile
		want    string
	}{
		{"new type", MapProfile{SettingNewMIMEType: true}, MIMETypeV1},
		{"legacy type", MapProfile{SettingNewMIMEType: false}, MIMETypeV0},
	} {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeFactory{profile: tt.profile, script: map[string]fakeMessage{
				"env": {direct: true, reply: &envelope},
			}}
			env, err := NewInboundTransport(f, nil).ServeInbound(context.Background(), inboundRequest("env"))
			require.NoError(t, err)
			assert.Equal(t, tt.want, env.HeaderValue("content-type"))
			assert.Equal(t, envelope.Data, env.Body)
		})
	}
}

func TestServeInbound_ParseFault(t *testing.T) {
	f := &fakeFactory{script: map[string]fakeMessage{}}
	env, err := NewInboundTransport(f, nil).ServeInbound(context.Background(), inboundRequest("garbage"))
	require.NoError(t, err)
	assert.Equal(t, 400, env.Status)
}

func TestServeInbound_WaitBoundToStreamContext(t *testing.T) {
	f := &fakeFactory{script: map[string]fakeMessage{
		"slow": {direct: true, delay: time.Second},
	}}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := NewInboundTransport(f, nil).ServeInbound(ctx, inboundRequest("slow"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestServeInvitation(t *testing.T) {
	tr := NewInboundTransport(&fakeFactory{}, nil)

	req := inboundRequest("")
	req.Method = "GET"
	req.RawQuery = "c_i=eyJAdHlwZSI6ICJpbnZpdGF0aW9uIn0="
	env, err := tr.ServeInvitation(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 200, env.Status)
	assert.Equal(t, InvitationText, string(env.Body))

	req.RawQuery = ""
	env, err = tr.ServeInvitation(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 200, env.Status)
	assert.Empty(t, env.Body)
}

// Two exchanges share one connection; the delayed one must not hold back the other.
func TestInbound_ConcurrentExchangesOnOneConnection(t *testing.T) {
	f := &fakeFactory{script: map[string]fakeMessage{
		"slow": {direct: true, delay: 300 * time.Millisecond, reply: okReply()},
		"fast": {direct: true, reply: okReply()},
	}}
	client := newPipeClient(t, newInboundRouter(t, f))
	ctx := context.Background()

	var (
		mu    sync.Mutex
		order []string
		wg    sync.WaitGroup
	)
	send := func(body string) {
		defer wg.Done()
		resp, err := client.SendRequest(ctx, "http://agent.example/", "POST", []byte(body), nil)
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, 200, resp.Status)
		assert.Equal(t, "OK", string(resp.Body))
		mu.Lock()
		order = append(order, body)
		mu.Unlock()
	}

	wg.Add(2)
	go send("slow")
	time.Sleep(20 * time.Millisecond)
	go send("fast")
	wg.Wait()

	assert.Equal(t, []string{"fast", "slow"}, order)
	assert.Equal(t, 1, client.Connections())
}

func TestInbound_ParseFaultKeepsConnectionOpen(t *testing.T) {
	f := &fakeFactory{script: map[string]fakeMessage{
		"good": {direct: true, reply: okReply()},
	}}
	client := newPipeClient(t, newInboundRouter(t, f))
	ctx := context.Background()

	resp, err := client.SendRequest(ctx, "http://agent.example/", "POST", []byte("bad"), nil)
	require.NoError(t, err)
	assert.Equal(t, 400, resp.Status)

	resp, err = client.SendRequest(ctx, "http://agent.example/", "POST", []byte("good"), nil)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, 1, client.Connections())
}
