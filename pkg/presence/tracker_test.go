package presence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"collabsync/pkg/permission"
	"collabsync/pkg/types"
)

func newTracker() (*Tracker, *permission.Registry) {
	registry := permission.NewRegistry()
	registry.SetCreator("alice@x.com")
	tracker := NewTracker(registry)
	tracker.now = func() time.Time { return time.Unix(1700000000, 0) }
	return tracker, registry
}

func TestTracker_OnUserJoined_AssignsJoinerAndDefaults(t *testing.T) {
	req := require.New(t)
	tracker, _ := newTracker()

	bobPerms := types.Permissions{CanEdit: true, CanInvite: true}
	tracker.OnUserJoined([]string{"alice@x.com", "bob@x.com", "carol@x.com"}, "bob@x.com", &bobPerms)

	bob, ok := tracker.Get("bob@x.com")
	req.True(ok)
	req.True(bob.IsActive)
	req.Equal(bobPerms, bob.Permissions)
	req.False(bob.IsCreator)

	carol, _ := tracker.Get("carol@x.com")
	req.Equal(types.DefaultPermissions(), carol.Permissions)

	alice, _ := tracker.Get("alice@x.com")
	req.True(alice.IsCreator)
	req.True(alice.Permissions.CanManagePermissions)

	req.Equal([]string{"alice@x.com", "bob@x.com", "carol@x.com"}, tracker.Active())
}

func TestTracker_OnUserJoined_KeepsKnownPermissions(t *testing.T) {
	req := require.New(t)
	tracker, _ := newTracker()

	tracker.OnUserJoined([]string{"alice@x.com", "bob@x.com"}, "bob@x.com", nil)
	restricted := types.Permissions{CanEdit: false}
	tracker.OnPermissionsChanged("bob@x.com", &restricted)

	tracker.OnUserJoined([]string{"alice@x.com", "bob@x.com", "carol@x.com"}, "carol@x.com", nil)

	bob, _ := tracker.Get("bob@x.com")
	req.Equal(restricted, bob.Permissions, "non-joiner permissions survive a join")
}

func TestTracker_OnUserJoined_MissingUsersBecomeInactive(t *testing.T) {
	req := require.New(t)
	tracker, _ := newTracker()

	tracker.OnUserJoined([]string{"alice@x.com", "bob@x.com"}, "bob@x.com", nil)
	tracker.OnUserJoined([]string{"alice@x.com", "carol@x.com"}, "carol@x.com", nil)

	bob, ok := tracker.Get("bob@x.com")
	req.True(ok, "history retained")
	req.False(bob.IsActive)
	req.Len(tracker.Roster(), 3)
}

func TestTracker_OnUserJoined_JoinerAlwaysActive(t *testing.T) {
	tracker, _ := newTracker()
	tracker.OnUserJoined(nil, "bob@x.com", nil)

	bob, ok := tracker.Get("bob@x.com")
	require.True(t, ok)
	require.True(t, bob.IsActive)
}

func TestTracker_OnUserLeft_OnlyFlipsActive(t *testing.T) {
	req := require.New(t)
	tracker, _ := newTracker()

	perms := types.Permissions{CanEdit: true, CanInvite: true}
	tracker.OnUserJoined([]string{"alice@x.com", "bob@x.com"}, "bob@x.com", &perms)
	before, _ := tracker.Get("bob@x.com")

	tracker.OnUserLeft("bob@x.com")

	after, ok := tracker.Get("bob@x.com")
	req.True(ok)
	req.False(after.IsActive)
	req.Equal(before.Permissions, after.Permissions)
	req.Equal(before.IsCreator, after.IsCreator)
	req.Equal(before.LastActivity, after.LastActivity)
	req.Equal(before.Email, after.Email)
}

func TestTracker_OnUserLeft_Unknown(t *testing.T) {
	tracker, _ := newTracker()
	tracker.OnUserLeft("ghost@x.com")
	require.Empty(t, tracker.Roster())
}

func TestTracker_OnPermissionsChanged_CreatorInvariant(t *testing.T) {
	req := require.New(t)
	tracker, registry := newTracker()
	tracker.OnUserJoined([]string{"alice@x.com"}, "alice@x.com", nil)

	revoke := types.Permissions{CanEdit: false, CanInvite: false, CanManagePermissions: false}
	got := tracker.OnPermissionsChanged("alice@x.com", &revoke)

	req.True(got.CanManagePermissions)
	req.True(registry.CanPerform("alice@x.com", types.CapabilityManagePermissions))
	req.False(registry.CanPerform("alice@x.com", types.CapabilityEdit))
}

func TestTracker_OnPermissionsChanged_NilResetsToDefaults(t *testing.T) {
	tracker, _ := newTracker()
	perms := types.Permissions{CanInvite: true}
	tracker.OnUserJoined([]string{"bob@x.com"}, "bob@x.com", &perms)

	got := tracker.OnPermissionsChanged("bob@x.com", nil)
	require.Equal(t, types.DefaultPermissions(), got)
}

func TestTracker_Seed(t *testing.T) {
	req := require.New(t)
	tracker, _ := newTracker()

	tracker.Seed([]types.Participant{
		{Email: "alice@x.com", IsActive: true, Permissions: types.CreatorPermissions()},
		{Email: "bob@x.com", IsActive: false, Permissions: types.Permissions{CanEdit: false}},
	})

	req.Equal([]string{"alice@x.com"}, tracker.Active())
	bob, _ := tracker.Get("bob@x.com")
	req.Equal(types.Permissions{}, bob.Permissions)

	tracker.Reset()
	req.Empty(tracker.Roster())
}
