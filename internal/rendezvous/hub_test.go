package rendezvous

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector is a thread-safe envelope recorder standing in for a websocket
// writer.
type collector struct {
	mu   sync.Mutex
	envs []Envelope
}

func (c *collector) send(env Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
	return nil
}

func (c *collector) waitLen(t *testing.T, n int) []Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.envs) >= n {
			out := append([]Envelope{}, c.envs...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d envelopes", n)
	return nil
}

func TestHubForwardsBetweenRoles(t *testing.T) {
	hub := NewHub()
	sender := &collector{}
	receiver := &collector{}

	detachS, err := hub.Attach("s1", RoleSender, sender.send)
	require.NoError(t, err)
	defer detachS()
	detachR, err := hub.Attach("s1", RoleReceiver, receiver.send)
	require.NoError(t, err)
	defer detachR()

	offer, err := NewEnvelope(TypeOffer, "s1", Offer{SDP: "v=0 offer"})
	require.NoError(t, err)
	require.True(t, hub.Forward("s1", RoleSender, offer))

	got := receiver.waitLen(t, 1)
	assert.Equal(t, TypeOffer, got[0].Type)

	answer, err := NewEnvelope(TypeAnswer, "s1", Answer{SDP: "v=0 answer"})
	require.NoError(t, err)
	require.True(t, hub.Forward("s1", RoleReceiver, answer))
	got = sender.waitLen(t, 1)
	assert.Equal(t, TypeAnswer, got[0].Type)
}

func TestHubRejectsDuplicateRole(t *testing.T) {
	hub := NewHub()
	first := &collector{}
	detach, err := hub.Attach("s1", RoleReceiver, first.send)
	require.NoError(t, err)
	defer detach()

	_, err = hub.Attach("s1", RoleReceiver, (&collector{}).send)
	assert.ErrorIs(t, err, ErrRoleTaken)
}

func TestHubForwardWithoutCounterpart(t *testing.T) {
	hub := NewHub()
	sender := &collector{}
	detach, err := hub.Attach("s1", RoleSender, sender.send)
	require.NoError(t, err)
	defer detach()

	env, err := NewEnvelope(TypeCandidate, "s1", Candidate{Candidate: "c"})
	require.NoError(t, err)
	assert.False(t, hub.Forward("s1", RoleSender, env))
	assert.False(t, hub.Forward("unknown", RoleSender, env))
}

func TestHubDetachFreesSlot(t *testing.T) {
	hub := NewHub()
	first := &collector{}
	detach, err := hub.Attach("s1", RoleReceiver, first.send)
	require.NoError(t, err)

	detach()
	detach() // double detach is harmless

	second := &collector{}
	detach2, err := hub.Attach("s1", RoleReceiver, second.send)
	require.NoError(t, err)
	defer detach2()

	s, r := hub.Occupied("s1")
	assert.False(t, s)
	assert.True(t, r)
}

func TestEnvelopePayloadRoundTrip(t *testing.T) {
	env, err := NewEnvelope(TypeCreated, "sess", Created{SessionID: "sess", JoinCode: "ABCD2345"})
	require.NoError(t, err)
	assert.Equal(t, ProtocolVersion, env.V)
	assert.NotEmpty(t, env.MsgID)

	var created Created
	require.NoError(t, env.DecodePayload(&created))
	assert.Equal(t, "ABCD2345", created.JoinCode)

	var empty Envelope
	assert.Error(t, empty.DecodePayload(&created))
}

// Forwarding into a peer that is detaching at the same moment must drop the
// envelope, not crash the relay.
func TestHubForwardDuringDetach(t *testing.T) {
	hub := NewHub()
	env, err := NewEnvelope(TypeOffer, "s1", Offer{SDP: "v=0"})
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		detachS, err := hub.Attach("s1", RoleSender, func(Envelope) error { return nil })
		require.NoError(t, err)
		rc := &collector{}
		detachR, err := hub.Attach("s1", RoleReceiver, rc.send)
		require.NoError(t, err)

		stop := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					hub.Forward("s1", RoleSender, env)
				}
			}
		}()

		detachR()
		assert.False(t, hub.Forward("s1", RoleSender, env))
		close(stop)
		wg.Wait()
		detachS()
	}
}
