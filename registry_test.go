package logchain

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterNeverOverwrites(t *testing.T) {
	st := newTestStore(t)
	reg := NewRegistry(st)
	ctx := context.Background()

	pub, _ := testKeypair(t)
	require.NoError(t, reg.Register(ctx, "a", pub))

	other, _ := testKeypair(t)
	err := reg.Register(ctx, "a", other)
	require.ErrorIs(t, err, ErrAlreadyRegistered)

	current, err := reg.LookupCurrent(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, []byte(pub), []byte(current))
}

func TestRegistry_RegisterValidation(t *testing.T) {
	st := newTestStore(t)
	reg := NewRegistry(st)
	ctx := context.Background()

	pub, _ := testKeypair(t)
	require.ErrorIs(t, reg.Register(ctx, "", pub), ErrMalformed)
	require.ErrorIs(t, reg.Register(ctx, "a", pub[:8]), ErrMalformed)
}

func TestRegistry_LookupUnknown(t *testing.T) {
	st := newTestStore(t)
	reg := NewRegistry(st)

	_, err := reg.LookupCurrent(context.Background(), "nobody")
	require.ErrorIs(t, err, ErrUnknownAgent)
}

func TestRegistry_Rotate(t *testing.T) {
	st := newTestStore(t)
	reg := NewRegistry(st)
	ctx := context.Background()

	pub, priv := testKeypair(t)
	require.NoError(t, reg.Register(ctx, "a", pub))

	newPub, newPriv := testKeypair(t)
	require.NoError(t, reg.Rotate(ctx, "a", newPub, SignRotation(priv, newPub)))

	current, err := reg.LookupCurrent(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, []byte(newPub), []byte(current))

	// The old key cannot attest another rotation.
	thirdPub, _ := testKeypair(t)
	err = reg.Rotate(ctx, "a", thirdPub, SignRotation(priv, thirdPub))
	require.ErrorIs(t, err, ErrBadSignature)

	// But the new key can.
	require.NoError(t, reg.Rotate(ctx, "a", thirdPub, SignRotation(newPriv, thirdPub)))

	rotations, err := st.Rotations(ctx, "a")
	require.NoError(t, err)
	require.Len(t, rotations, 2)
	require.Equal(t, []byte(pub), []byte(rotations[0].OldKey))
	require.Equal(t, []byte(thirdPub), []byte(rotations[1].NewKey))
}

func TestRegistry_RotateUnknownAgent(t *testing.T) {
	st := newTestStore(t)
	reg := NewRegistry(st)

	newPub, _ := testKeypair(t)
	_, priv := testKeypair(t)
	err := reg.Rotate(context.Background(), "nobody", newPub, SignRotation(priv, newPub))
	require.ErrorIs(t, err, ErrUnknownAgent)
}

func TestRegistry_LookupAtTracksRotations(t *testing.T) {
	st := newTestStore(t)
	reg := NewRegistry(st)
	ctx := context.Background()

	pub, priv := testKeypair(t)
	newPub, _ := testKeypair(t)

	// Pin the registry clock so the validity boundary is known exactly.
	reg.now = func() time.Time { return time.UnixMilli(50_000) }
	require.NoError(t, reg.Register(ctx, "a", pub))
	reg.now = func() time.Time { return time.UnixMilli(60_000) }
	require.NoError(t, reg.Rotate(ctx, "a", newPub, SignRotation(priv, newPub)))

	before, err := reg.LookupAt(ctx, "a", time.UnixMilli(55_000))
	require.NoError(t, err)
	require.Equal(t, []byte(pub), []byte(before))

	after, err := reg.LookupAt(ctx, "a", time.UnixMilli(65_000))
	require.NoError(t, err)
	require.Equal(t, []byte(newPub), []byte(after))
}

func TestRegistry_KeysAreEd25519(t *testing.T) {
	st := newTestStore(t)
	reg := NewRegistry(st)
	ctx := context.Background()

	pub, _ := testKeypair(t)
	require.NoError(t, reg.Register(ctx, "a", pub))
	got, err := reg.LookupCurrent(ctx, "a")
	require.NoError(t, err)
	require.Len(t, []byte(got), ed25519.PublicKeySize)
}
