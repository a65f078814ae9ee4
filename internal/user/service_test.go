package user

import (
	"context"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T) (*Service, *testclock.Clock) {
	t.Helper()
	clk := testclock.NewClock(time.Now())
	return NewService(NewMemoryRepository(), "test-secret", clk), clk
}

func TestRegisterAndLogin(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()

	u, err := s.Register(ctx, &RegisterRequest{Username: " alice ", FullName: "Alice A", Password: "hunter22"})
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)
	assert.NotEmpty(t, u.ID)
	assert.Empty(t, u.Password)

	res, err := s.Login(ctx, &LoginRequest{Username: "alice", Password: "hunter22"})
	require.NoError(t, err)
	assert.Equal(t, u.ID, res.User.ID)

	id, name, err := s.ValidateToken(res.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, u.ID, id)
	assert.Equal(t, "alice", name)
}

func TestRegisterRejects(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()

	_, err := s.Register(ctx, &RegisterRequest{Username: "bob", Password: "short"})
	assert.True(t, errors.Is(err, errors.NotValid), "got %v", err)
	_, err = s.Register(ctx, &RegisterRequest{Password: "longenough"})
	assert.True(t, errors.Is(err, errors.NotValid), "got %v", err)

	_, err = s.Register(ctx, &RegisterRequest{Username: "bob", Password: "longenough"})
	require.NoError(t, err)
	_, err = s.Register(ctx, &RegisterRequest{Username: "bob", Password: "different"})
	assert.True(t, errors.Is(err, errors.AlreadyExists), "got %v", err)
}

func TestLoginFailuresLookAlike(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	_, err := s.Register(ctx, &RegisterRequest{Username: "carol", Password: "password1"})
	require.NoError(t, err)

	_, wrongPass := s.Login(ctx, &LoginRequest{Username: "carol", Password: "nope"})
	_, noUser := s.Login(ctx, &LoginRequest{Username: "dave", Password: "password1"})
	assert.True(t, errors.Is(wrongPass, errors.Unauthorized))
	assert.True(t, errors.Is(noUser, errors.Unauthorized))
	assert.Equal(t, wrongPass.Error(), noUser.Error())
}

func TestTokenExpiresAndIsBoundToSecret(t *testing.T) {
	s, clk := newService(t)
	ctx := context.Background()
	_, err := s.Register(ctx, &RegisterRequest{Username: "erin", Password: "password1"})
	require.NoError(t, err)
	res, err := s.Login(ctx, &LoginRequest{Username: "erin", Password: "password1"})
	require.NoError(t, err)

	other := NewService(NewMemoryRepository(), "other-secret", clk)
	_, _, err = other.ValidateToken(res.AccessToken)
	assert.True(t, errors.Is(err, errors.Unauthorized))

	clk.Advance(tokenTTL + time.Minute)
	_, _, err = s.ValidateToken(res.AccessToken)
	assert.True(t, errors.Is(err, errors.Unauthorized))
}

func TestDirectory(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	var ids []string
	for _, name := range []string{"zed", "amy", "Amos"} {
		u, err := s.Register(ctx, &RegisterRequest{Username: name, Password: "password1"})
		require.NoError(t, err)
		ids = append(ids, u.ID)
	}

	others, err := s.ListOthers(ctx, ids[0])
	require.NoError(t, err)
	require.Len(t, others, 2)
	assert.Equal(t, "Amos", others[0].Username)
	assert.Equal(t, "amy", others[1].Username)
	assert.Equal(t, "Amos", others[0].FullName, "full name defaults to the username")
	for _, u := range others {
		assert.Empty(t, u.Password)
	}

	found, err := s.SearchUsers(ctx, "AM")
	require.NoError(t, err)
	assert.Len(t, found, 2)
}

func TestProfile(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	u, err := s.Register(ctx, &RegisterRequest{Username: "frank", Password: "password1"})
	require.NoError(t, err)

	me, err := s.Me(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "frank", me.FullName)
	assert.Empty(t, me.Password)

	pic := " https://img.example/f.png "
	updated, err := s.UpdateProfile(ctx, u.ID, &ProfileUpdate{FullName: " Frank F ", Bio: "bio", ProfilePic: &pic})
	require.NoError(t, err)
	assert.Equal(t, "Frank F", updated.FullName)
	assert.Equal(t, "bio", updated.Bio)
	assert.Equal(t, "https://img.example/f.png", updated.ProfilePic)
	assert.Empty(t, updated.Password)

	// Without a picture the current one stays.
	updated, err = s.UpdateProfile(ctx, u.ID, &ProfileUpdate{FullName: "Frank", Bio: ""})
	require.NoError(t, err)
	assert.Equal(t, "https://img.example/f.png", updated.ProfilePic)
	assert.Empty(t, updated.Bio)

	// Credentials are untouched by profile edits.
	_, err = s.Login(ctx, &LoginRequest{Username: "frank", Password: "password1"})
	require.NoError(t, err)

	_, err = s.UpdateProfile(ctx, u.ID, &ProfileUpdate{FullName: "  "})
	assert.True(t, errors.Is(err, errors.NotValid), "got %v", err)
	_, err = s.UpdateProfile(ctx, "no-such-id", &ProfileUpdate{FullName: "x"})
	assert.True(t, errors.Is(err, errors.NotFound), "got %v", err)
	_, err = s.Me(ctx, "no-such-id")
	assert.True(t, errors.Is(err, errors.NotFound), "got %v", err)
}
