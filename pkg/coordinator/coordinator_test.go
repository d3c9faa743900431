package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"collabsync/internal/testutil/testlog"
	"collabsync/pkg/interfaces"
	"collabsync/pkg/types"
)

const (
	alice = "alice@x.com"
	bob   = "bob@x.com"
	carol = "carol@x.com"
)

type peer struct {
	coord     *Coordinator
	transport *fakeTransport
	engine    *fakeEngine
}

func newPeer(t *testing.T, broker *memBroker) *peer {
	t.Helper()
	transport := newFakeTransport(broker)
	engine := &fakeEngine{}
	opts := DefaultOptions()
	opts.Logger = testlog.Logger(t)
	coord := New(transport, engine, opts)
	engine.coord = coord
	t.Cleanup(func() { _ = coord.Close() })
	return &peer{coord: coord, transport: transport, engine: engine}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

// sharedSession has alice create a session, invite bob and bob join it.
func sharedSession(t *testing.T) (*peer, *peer, string) {
	t.Helper()
	req := require.New(t)
	ctx := context.Background()
	broker := newMemBroker()
	a, b := newPeer(t, broker), newPeer(t, broker)

	id, err := a.coord.CreateSession(ctx, alice, json.RawMessage(`{"nodes":[]}`))
	req.NoError(err)
	req.NoError(a.coord.InviteUsers(ctx, id, alice, []string{bob}))
	_, err = b.coord.JoinSession(ctx, id, bob)
	req.NoError(err)

	eventually(t, func() bool {
		p, ok := a.coord.Participant(bob)
		return ok && p.IsActive
	}, "alice sees bob join")
	return a, b, id
}

func TestCreateSession_Idempotent(t *testing.T) {
	req := require.New(t)
	a := newPeer(t, newMemBroker())

	first, err := a.coord.CreateSession(context.Background(), alice, json.RawMessage(`{"nodes":[]}`))
	req.NoError(err)
	second, err := a.coord.CreateSession(context.Background(), alice, json.RawMessage(`{"nodes":[]}`))
	req.NoError(err)

	req.Equal(first, second)
	req.Equal(1, a.transport.requestCount(types.EventCreateSession))
	req.Equal(Joined, a.coord.State())
	req.Equal(alice, a.coord.CreatorEmail())

	creator, ok := a.coord.Participant(alice)
	req.True(ok)
	req.True(creator.IsCreator)
	req.True(creator.IsActive)
	req.Equal(types.CreatorPermissions(), creator.Permissions)
}

func TestCreateSession_UsesIdentityProvider(t *testing.T) {
	req := require.New(t)
	transport := newFakeTransport(newMemBroker())
	opts := DefaultOptions()
	opts.Identity = staticIdentity("Alice@X.com")
	coord := New(transport, &fakeEngine{}, opts)
	defer coord.Close()

	_, err := coord.CreateSession(context.Background(), "", nil)
	req.NoError(err)
	req.Equal(alice, coord.CreatorEmail())
}

func TestCreateSession_InvalidEmail(t *testing.T) {
	a := newPeer(t, newMemBroker())

	_, err := a.coord.CreateSession(context.Background(), "not-an-email", nil)
	require.ErrorIs(t, err, types.ErrInvalidEmail)

	_, err = a.coord.CreateSession(context.Background(), "", nil)
	require.ErrorIs(t, err, types.ErrInvalidEmail)
	require.ErrorIs(t, err, interfaces.ErrNotAuthenticated)
	require.Zero(t, a.transport.requestCount(types.EventCreateSession))
}

func TestCreateSession_ConnectFailure(t *testing.T) {
	req := require.New(t)
	a := newPeer(t, newMemBroker())
	a.transport.connectErr = errors.New("dial refused")

	_, err := a.coord.CreateSession(context.Background(), alice, nil)
	req.ErrorIs(err, types.ErrConnection)
	req.Equal(Disconnected, a.coord.State())
	req.Empty(a.coord.SessionID())
}

func TestJoinSession_NotAllowedLeavesStateUntouched(t *testing.T) {
	req := require.New(t)
	broker := newMemBroker()
	a, c := newPeer(t, broker), newPeer(t, broker)

	id, err := a.coord.CreateSession(context.Background(), alice, json.RawMessage(`{"nodes":[]}`))
	req.NoError(err)

	_, err = c.coord.JoinSession(context.Background(), id, carol)
	req.ErrorIs(err, types.ErrNotAllowed)
	req.Equal(Disconnected, c.coord.State())
	req.Empty(c.coord.SessionID())
	req.Empty(c.coord.Participants())
	req.Empty(c.engine.snapshots)
	req.False(c.transport.IsConnected())
}

func TestJoinSession_NotFound(t *testing.T) {
	b := newPeer(t, newMemBroker())

	_, err := b.coord.JoinSession(context.Background(), "missing", bob)
	require.ErrorIs(t, err, types.ErrSessionNotFound)
	require.Equal(t, Disconnected, b.coord.State())
}

func TestJoinSession_DifferentSessionWhileJoined(t *testing.T) {
	_, b, id := sharedSession(t)

	again, err := b.coord.JoinSession(context.Background(), id, bob)
	require.NoError(t, err)
	require.Equal(t, id, again.SessionID)

	_, err = b.coord.JoinSession(context.Background(), "other", bob)
	require.ErrorIs(t, err, ErrSessionActive)
	require.Equal(t, id, b.coord.SessionID())
}

func TestEndToEnd_ChangeReachesPeerWithoutEcho(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	broker := newMemBroker()
	a, b := newPeer(t, broker), newPeer(t, broker)

	// Given alice's session with bob invited
	id, err := a.coord.CreateSession(ctx, alice, json.RawMessage(`{"nodes":[]}`))
	req.NoError(err)
	req.NoError(a.coord.InviteUsers(ctx, id, alice, []string{bob}))

	// When bob joins
	joined, err := b.coord.JoinSession(ctx, id, bob)
	req.NoError(err)
	req.JSONEq(`{"nodes":[]}`, string(joined.Snapshot))
	req.False(joined.IsCreator)
	req.Equal(types.DefaultPermissions(), joined.Permissions)
	req.Equal(`{"nodes":[]}`, b.engine.current())

	var received []types.ChangeMessage
	done := make(chan struct{}, 1)
	b.coord.OnRemoteChange(func(msg types.ChangeMessage) {
		received = append(received, msg)
		done <- struct{}{}
	})

	// And alice publishes a change
	sent, err := a.coord.Publish(json.RawMessage(`{"add":{"id":1}}`), json.RawMessage(`{"nodes":[{"id":1}]}`))
	req.NoError(err)
	req.True(sent)

	// Then bob's engine converges and bob never re-broadcasts
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("bob never received the change")
	}
	req.Equal(`{"nodes":[{"id":1}]}`, b.engine.current())
	req.Len(received, 1)
	req.Equal(alice, received[0].UserEmail)
	req.Zero(b.transport.emitCount(types.EventDiagramChanges))
	req.JSONEq(`{"nodes":[{"id":1}]}`, string(b.coord.Snapshot()))
}

func TestPresence_CreatorKeepsManagePermission(t *testing.T) {
	req := require.New(t)
	a, _, id := sharedSession(t)

	revoked := types.Permissions{}
	data, err := json.Marshal(types.CollaborationUpdate{
		Type:      types.PermissionsChanged,
		SessionID: id,
		Data:      types.UpdateData{UserEmail: alice, Permissions: &revoked},
	})
	req.NoError(err)

	seen := make(chan types.CollaborationUpdate, 1)
	a.coord.OnPresenceUpdate(func(u types.CollaborationUpdate) { seen <- u })
	a.transport.deliver(types.Event{Name: types.EventCollaborationUpdate, Data: data})

	select {
	case <-seen:
	case <-time.After(2 * time.Second):
		t.Fatal("update not observed")
	}
	req.True(a.coord.CanPerform(alice, types.CapabilityManagePermissions))
	creator, _ := a.coord.Participant(alice)
	req.True(creator.Permissions.CanManagePermissions)
	req.False(creator.Permissions.CanEdit)
}

func TestPresence_UserLeftOnlyFlipsActive(t *testing.T) {
	req := require.New(t)
	a, b, _ := sharedSession(t)

	before, ok := a.coord.Participant(bob)
	req.True(ok)

	req.NoError(b.coord.LeaveSession())

	eventually(t, func() bool {
		p, _ := a.coord.Participant(bob)
		return !p.IsActive
	}, "alice sees bob leave")
	after, ok := a.coord.Participant(bob)
	req.True(ok)
	req.Equal(before.Permissions, after.Permissions)
	req.Equal(before.IsCreator, after.IsCreator)
}

func TestUpdatePermissions_RevokedEditorCannotPublish(t *testing.T) {
	req := require.New(t)
	a, b, _ := sharedSession(t)

	req.NoError(a.coord.UpdatePermissions(context.Background(), bob, types.Permissions{CanEdit: false}))

	eventually(t, func() bool {
		return !b.coord.CanPerform(bob, types.CapabilityEdit)
	}, "bob learns his edit right was revoked")
	_, err := b.coord.Publish(json.RawMessage(`{}`), json.RawMessage(`{"nodes":[]}`))
	req.ErrorIs(err, types.ErrPermissionDenied)
}

func TestUpdatePermissions_DeniedForNonManager(t *testing.T) {
	_, b, _ := sharedSession(t)

	err := b.coord.UpdatePermissions(context.Background(), alice, types.Permissions{})
	require.ErrorIs(t, err, types.ErrPermissionDenied)
}

func TestUpdatePermissions_RequiresSession(t *testing.T) {
	a := newPeer(t, newMemBroker())

	err := a.coord.UpdatePermissions(context.Background(), bob, types.DefaultPermissions())
	require.ErrorIs(t, err, types.ErrNoActiveSession)
}

func TestInviteUsers_DeniedWithoutInviteRight(t *testing.T) {
	_, b, id := sharedSession(t)

	err := b.coord.InviteUsers(context.Background(), id, bob, []string{carol})
	require.ErrorIs(t, err, types.ErrPermissionDenied)
}

func TestInviteUsers_RejectsBadEmail(t *testing.T) {
	a, _, id := sharedSession(t)

	err := a.coord.InviteUsers(context.Background(), id, alice, []string{"carol"})
	require.ErrorIs(t, err, types.ErrInvalidEmail)
}

func TestPublish_WithoutSession(t *testing.T) {
	a := newPeer(t, newMemBroker())

	sent, err := a.coord.Publish(json.RawMessage(`{}`), json.RawMessage(`{}`))
	require.False(t, sent)
	require.ErrorIs(t, err, types.ErrNoActiveSession)
}

func TestLeaveSession_Idempotent(t *testing.T) {
	req := require.New(t)
	a, _, _ := sharedSession(t)

	calls := 0
	a.coord.OnRemoteChange(func(types.ChangeMessage) { calls++ })

	req.NoError(a.coord.LeaveSession())
	req.NoError(a.coord.LeaveSession())
	req.Equal(Disconnected, a.coord.State())
	req.Empty(a.coord.SessionID())
	req.Empty(a.coord.Participants())
	req.False(a.transport.IsConnected())
	req.Equal(1, a.transport.emitCount(types.EventLeaveSession))
	req.Empty(a.coord.changeHandlers)
}

func TestLeaveSession_CancelsPendingJoin(t *testing.T) {
	req := require.New(t)
	broker := newMemBroker()
	a, b := newPeer(t, broker), newPeer(t, broker)

	id, err := a.coord.CreateSession(context.Background(), alice, json.RawMessage(`{"nodes":[]}`))
	req.NoError(err)
	req.NoError(a.coord.InviteUsers(context.Background(), id, alice, []string{bob}))

	b.transport.gate = make(chan struct{})
	b.transport.started = make(chan string, 1)

	errs := make(chan error, 1)
	go func() {
		_, err := b.coord.JoinSession(context.Background(), id, bob)
		errs <- err
	}()

	<-b.transport.started
	req.Equal(Connecting, b.coord.State())
	req.NoError(b.coord.LeaveSession())

	select {
	case err := <-errs:
		req.ErrorIs(err, ErrCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("pending join was not cancelled")
	}
	req.Equal(Disconnected, b.coord.State())
	req.Empty(b.coord.SessionID())
}

func TestRequestTimeoutIsConnectionError(t *testing.T) {
	req := require.New(t)
	transport := newFakeTransport(newMemBroker())
	transport.gate = make(chan struct{})
	opts := DefaultOptions()
	opts.RequestTimeout = 20 * time.Millisecond
	coord := New(transport, &fakeEngine{}, opts)
	defer coord.Close()

	_, err := coord.CreateSession(context.Background(), alice, nil)
	req.ErrorIs(err, types.ErrConnection)
	req.Equal(Disconnected, coord.State())
}

func TestTransportLossDropsSession(t *testing.T) {
	a, _, _ := sharedSession(t)

	require.NoError(t, a.transport.Close())

	eventually(t, func() bool { return a.coord.State() == Disconnected }, "session dropped after transport loss")
	require.Empty(t, a.coord.SessionID())
}

func TestObservers_UnsubscribeAndPanicIsolation(t *testing.T) {
	req := require.New(t)
	a, b, _ := sharedSession(t)

	unsubscribe := b.coord.OnRemoteChange(func(types.ChangeMessage) { panic("observer bug") })
	got := make(chan string, 4)
	b.coord.OnRemoteChange(func(msg types.ChangeMessage) { got <- string(msg.DiagramData) })

	_, err := a.coord.Publish(json.RawMessage(`{"n":1}`), json.RawMessage(`{"nodes":[{"id":1}]}`))
	req.NoError(err)
	req.Equal(`{"nodes":[{"id":1}]}`, <-got)

	unsubscribe()
	unsubscribe()
	_, err = a.coord.Publish(json.RawMessage(`{"n":2}`), json.RawMessage(`{"nodes":[{"id":2}]}`))
	req.NoError(err)
	req.Equal(`{"nodes":[{"id":2}]}`, <-got)
	req.Equal(Joined, b.coord.State())
}

func TestObservers_LeaveFromPresenceObserver(t *testing.T) {
	req := require.New(t)
	a, b, _ := sharedSession(t)

	returned := make(chan error, 1)
	b.coord.OnPresenceUpdate(func(u types.CollaborationUpdate) {
		if u.Type == types.PermissionsChanged {
			returned <- b.coord.LeaveSession()
		}
	})
	req.NoError(a.coord.UpdatePermissions(context.Background(), bob, types.Permissions{}))

	select {
	case err := <-returned:
		req.NoError(err)
	case <-time.After(2 * time.Second):
		t.Fatalf("LeaveSession from an observer did not return; state=%s", b.coord.State())
	}
	req.Equal(Disconnected, b.coord.State())
	req.Equal(1, b.transport.emitCount(types.EventLeaveSession))
	req.NoError(b.coord.Close())
}

func TestObservers_RequestFromPresenceObserver(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	a, b, id := sharedSession(t)

	invited := make(chan error, 1)
	b.coord.OnPresenceUpdate(func(u types.CollaborationUpdate) {
		if u.Type == types.PermissionsChanged && u.Data.Permissions != nil && u.Data.Permissions.CanInvite {
			invited <- b.coord.InviteUsers(ctx, id, bob, []string{carol})
		}
	})
	req.NoError(a.coord.UpdatePermissions(ctx, bob, types.Permissions{CanEdit: true, CanInvite: true}))

	select {
	case err := <-invited:
		req.NoError(err)
	case <-time.After(2 * time.Second):
		t.Fatal("InviteUsers from an observer did not return")
	}

	// The loop kept running while the observer waited on the broker.
	c := newPeer(t, a.transport.broker)
	_, err := c.coord.JoinSession(ctx, id, carol)
	req.NoError(err)
	eventually(t, func() bool {
		p, ok := b.coord.Participant(carol)
		return ok && p.IsActive
	}, "bob sees carol join")
}

func TestOnDisconnect_ReportsTransportLoss(t *testing.T) {
	a, _, _ := sharedSession(t)
	lost := make(chan error, 1)
	a.coord.OnDisconnect(func(err error) { lost <- err })

	require.NoError(t, a.transport.Close())

	select {
	case err := <-lost:
		require.ErrorIs(t, err, types.ErrConnection)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect was not reported")
	}
	require.Equal(t, Disconnected, a.coord.State())
}

func TestOnDisconnect_NotCalledOnLeave(t *testing.T) {
	a, _, _ := sharedSession(t)
	lost := make(chan error, 1)
	a.coord.OnDisconnect(func(err error) { lost <- err })

	require.NoError(t, a.coord.LeaveSession())
	require.Never(t, func() bool { return len(lost) > 0 }, 100*time.Millisecond, 5*time.Millisecond)
}

func TestStateString(t *testing.T) {
	require.Equal(t, "disconnected", Disconnected.String())
	require.Equal(t, "connecting", Connecting.String())
	require.Equal(t, "joined", Joined.String())
}
