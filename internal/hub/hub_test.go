package hub

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"collabsync/internal/database"
	"collabsync/internal/router"
	"collabsync/internal/session"
	"collabsync/internal/testutil/testlog"
	"collabsync/internal/websocket"
	dbconfig "collabsync/pkg/database"
	"collabsync/pkg/types"
	"collabsync/pkg/wsclient"
)

type broker struct {
	hub      *Hub
	registry *websocket.Registry
	sessions *session.Manager
	url      string
}

func startBroker(t *testing.T) *broker {
	t.Helper()
	log := testlog.Logger(t)

	cfg := dbconfig.DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "hub.db")
	db, err := database.NewManager(cfg, log)
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	sessions := session.NewManager(db, log, 0)
	registry := websocket.NewRegistry(log)
	r := router.NewRouter(registry, sessions, db, router.Options{}, log)
	h := NewHub(registry, r, sessions, log)
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() { _ = h.Stop() })

	srv := httptest.NewServer(websocket.NewHandler(registry, h, websocket.Options{}, log))
	t.Cleanup(srv.Close)

	return &broker{hub: h, registry: registry, sessions: sessions, url: "ws" + strings.TrimPrefix(srv.URL, "http")}
}

func (b *broker) client(t *testing.T) *wsclient.Client {
	t.Helper()
	c := wsclient.New(b.url, nil, testlog.Logger(t))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func request(t *testing.T, c *wsclient.Client, event string, payload, out interface{}) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Request(ctx, event, payload, out))
}

// nextEvent returns the next broadcast of the given name, skipping others.
func nextEvent(t *testing.T, c *wsclient.Client, name string) types.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-c.Events():
			require.True(t, ok, "event stream closed")
			if ev.Name == name {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", name)
		}
	}
}

func nextUpdate(t *testing.T, c *wsclient.Client) types.CollaborationUpdate {
	t.Helper()
	var update types.CollaborationUpdate
	require.NoError(t, json.Unmarshal(nextEvent(t, c, types.EventCollaborationUpdate).Data, &update))
	return update
}

func create(t *testing.T, c *wsclient.Client, email string) string {
	t.Helper()
	var ack types.CreateSessionAck
	request(t, c, types.EventCreateSession, types.CreateSessionRequest{CreatorEmail: email, DiagramData: json.RawMessage(`{"nodes":[]}`)}, &ack)
	require.NoError(t, ack.Err())
	require.NotEmpty(t, ack.SessionID)
	return ack.SessionID
}

func invite(t *testing.T, c *wsclient.Client, sessionID, by string, emails ...string) types.AddAllowedUsersAck {
	t.Helper()
	var ack types.AddAllowedUsersAck
	request(t, c, types.EventAddAllowedUsers, types.AddAllowedUsersRequest{SessionID: sessionID, CreatorEmail: by, UsersToAdd: emails}, &ack)
	return ack
}

func TestHub_StartStop(t *testing.T) {
	h := NewHub(websocket.NewRegistry(testlog.Logger(t)), nil, nil, testlog.Logger(t))

	require.ErrorIs(t, h.Stop(), ErrHubNotRunning)
	require.ErrorIs(t, h.Dispatch(nil, &types.Envelope{}), ErrHubNotRunning)
	require.NoError(t, h.Start(context.Background()))
	require.ErrorIs(t, h.Start(context.Background()), ErrHubAlreadyRunning)
	require.Equal(t, true, h.GetStats()["running"])
	require.NoError(t, h.Stop())
	require.ErrorIs(t, h.Disconnect(nil), ErrHubNotRunning)
}

func TestHub_CreateJoinAndPresence(t *testing.T) {
	req := require.New(t)
	b := startBroker(t)
	alice, bob := b.client(t), b.client(t)

	sessionID := create(t, alice, "alice@x.com")
	joined := nextUpdate(t, alice)
	req.Equal(types.UserJoined, joined.Type)
	req.Equal([]string{"alice@x.com"}, joined.Data.ActiveUsers)

	ack := invite(t, alice, sessionID, "alice@x.com", "bob@x.com")
	req.NoError(ack.Err())
	req.Equal([]string{"alice@x.com", "bob@x.com"}, ack.AllowedUsers)

	var join types.JoinSessionAck
	request(t, bob, types.EventJoinSession, types.JoinSessionRequest{SessionID: sessionID, UserEmail: "bob@x.com"}, &join)
	req.NoError(join.Err())
	req.False(join.IsCreator)
	req.Equal("alice@x.com", join.CreatorEmail)
	req.Equal(types.DefaultPermissions(), *join.Permissions)
	req.JSONEq(`{"nodes":[]}`, string(join.CurrentContent.DiagramData))
	req.Len(join.Participants, 2)
	for _, p := range join.Participants {
		req.True(p.IsActive, p.Email)
	}

	update := nextUpdate(t, alice)
	req.Equal(types.UserJoined, update.Type)
	req.Equal("bob@x.com", update.Data.UserEmail)
	req.Equal([]string{"alice@x.com", "bob@x.com"}, update.Data.ActiveUsers)

	var leave types.Ack
	request(t, bob, types.EventLeaveSession, types.LeaveSessionRequest{SessionID: sessionID, UserEmail: "bob@x.com"}, &leave)
	req.NoError(leave.Err())
	left := nextUpdate(t, alice)
	req.Equal(types.UserLeft, left.Type)
	req.Equal("bob@x.com", left.Data.UserEmail)
	req.Equal([]string{"alice@x.com"}, left.Data.ActiveUsers)
}

func TestHub_JoinRejections(t *testing.T) {
	b := startBroker(t)
	alice, mallory := b.client(t), b.client(t)
	sessionID := create(t, alice, "alice@x.com")

	var ack types.JoinSessionAck
	request(t, mallory, types.EventJoinSession, types.JoinSessionRequest{SessionID: sessionID, UserEmail: "mallory@x.com"}, &ack)
	require.ErrorIs(t, ack.Err(), types.ErrNotAllowed)

	request(t, mallory, types.EventJoinSession, types.JoinSessionRequest{SessionID: "missing", UserEmail: "mallory@x.com"}, &ack)
	require.ErrorIs(t, ack.Err(), types.ErrSessionNotFound)

	request(t, mallory, types.EventJoinSession, types.JoinSessionRequest{SessionID: sessionID, UserEmail: "not-an-email"}, &ack)
	require.Equal(t, types.CodeBadRequest, ack.Code)
}

func TestHub_RequestsMustMatchBoundIdentity(t *testing.T) {
	b := startBroker(t)
	alice, outsider := b.client(t), b.client(t)
	sessionID := create(t, alice, "alice@x.com")

	ack := invite(t, outsider, sessionID, "alice@x.com", "eve@x.com")
	require.ErrorIs(t, ack.Err(), types.ErrPermissionDenied)

	var perms types.Ack
	request(t, alice, types.EventUpdatePermissions, types.UpdatePermissionsRequest{
		SessionID:        sessionID,
		TargetUserEmail:  "alice@x.com",
		RequestedByEmail: "bob@x.com",
	}, &perms)
	require.ErrorIs(t, perms.Err(), types.ErrPermissionDenied)
}

func TestHub_PermissionsChangedBroadcast(t *testing.T) {
	req := require.New(t)
	b := startBroker(t)
	alice, bob := b.client(t), b.client(t)
	sessionID := create(t, alice, "alice@x.com")
	req.NoError(invite(t, alice, sessionID, "alice@x.com", "bob@x.com").Err())
	var join types.JoinSessionAck
	request(t, bob, types.EventJoinSession, types.JoinSessionRequest{SessionID: sessionID, UserEmail: "bob@x.com"}, &join)
	req.NoError(join.Err())

	var ack types.Ack
	request(t, alice, types.EventUpdatePermissions, types.UpdatePermissionsRequest{
		SessionID:        sessionID,
		TargetUserEmail:  "bob@x.com",
		NewPermissions:   types.Permissions{CanInvite: true},
		RequestedByEmail: "alice@x.com",
	}, &ack)
	req.NoError(ack.Err())

	for {
		update := nextUpdate(t, bob)
		if update.Type != types.PermissionsChanged {
			continue
		}
		req.Equal("bob@x.com", update.Data.UserEmail)
		req.Equal(types.Permissions{CanInvite: true}, *update.Data.Permissions)
		break
	}

	// bob lost edit rights; his change is rejected and never reaches alice.
	change := types.ChangeMessage{SessionID: sessionID, UserEmail: "bob@x.com", DiagramData: json.RawMessage(`{"nodes":[1]}`)}
	var changeAck types.Ack
	request(t, bob, types.EventDiagramChanges, change, &changeAck)
	req.ErrorIs(changeAck.Err(), types.ErrPermissionDenied)
}

func TestHub_ChangesReachOtherMembers(t *testing.T) {
	req := require.New(t)
	b := startBroker(t)
	alice, bob := b.client(t), b.client(t)
	sessionID := create(t, alice, "alice@x.com")
	req.NoError(invite(t, alice, sessionID, "alice@x.com", "bob@x.com").Err())
	var join types.JoinSessionAck
	request(t, bob, types.EventJoinSession, types.JoinSessionRequest{SessionID: sessionID, UserEmail: "bob@x.com"}, &join)
	req.NoError(join.Err())

	req.NoError(alice.Emit(types.EventDiagramChanges, types.ChangeMessage{
		SessionID:   sessionID,
		UserEmail:   "alice@x.com",
		Delta:       json.RawMessage(`{"add":"n1"}`),
		DiagramData: json.RawMessage(`{"nodes":["n1"]}`),
		OriginID:    "alice-origin",
	}))

	var msg types.ChangeMessage
	req.NoError(json.Unmarshal(nextEvent(t, bob, types.EventDiagramChanges).Data, &msg))
	req.Equal("alice@x.com", msg.UserEmail)
	req.Equal("alice-origin", msg.OriginID)
	req.NotEmpty(msg.MessageID)

	stored, err := b.sessions.GetSession(context.Background(), sessionID)
	req.NoError(err)
	req.JSONEq(`{"nodes":["n1"]}`, string(stored.Snapshot))
}

func TestHub_DisconnectAnnouncesDeparture(t *testing.T) {
	b := startBroker(t)
	alice, bob := b.client(t), b.client(t)
	sessionID := create(t, alice, "alice@x.com")
	require.NoError(t, invite(t, alice, sessionID, "alice@x.com", "bob@x.com").Err())
	var join types.JoinSessionAck
	request(t, bob, types.EventJoinSession, types.JoinSessionRequest{SessionID: sessionID, UserEmail: "bob@x.com"}, &join)
	require.NoError(t, join.Err())

	require.NoError(t, bob.Close())
	for {
		update := nextUpdate(t, alice)
		if update.Type == types.UserLeft {
			require.Equal(t, "bob@x.com", update.Data.UserEmail)
			return
		}
	}
}

func TestHub_EndSessionClosesRoom(t *testing.T) {
	b := startBroker(t)
	alice := b.client(t)
	sessionID := create(t, alice, "alice@x.com")
	events := alice.Events()

	require.NoError(t, b.hub.EndSession(context.Background(), sessionID))
	require.Empty(t, b.registry.ActiveUsers(sessionID))
	require.ErrorIs(t, b.hub.EndSession(context.Background(), sessionID), session.ErrSessionAlreadyEnded)

	timeout := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("client link was not closed")
		}
	}
}

func TestHub_UnknownEvent(t *testing.T) {
	b := startBroker(t)
	c := b.client(t)

	var ack types.Ack
	request(t, c, "renameSession", map[string]string{"x": "y"}, &ack)
	require.Equal(t, types.CodeBadRequest, ack.Code)
}
