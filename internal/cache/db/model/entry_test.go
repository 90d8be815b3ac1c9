package model

import (
	"github.com/Borislavv/go-ash-tiers/model"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// TestNewEntry_SizeAndExpiration computes size from the payload and expiration from max age.
func TestNewEntry_SizeAndExpiration(t *testing.T) {
	e := NewEntry("k", model.CategoryContent, model.PriorityHigh, make([]byte, 40), 0, epoch, time.Minute, 7)

	require.Equal(t, int64(40), e.Size())
	require.Equal(t, epoch.UnixNano(), e.CreatedAt())
	require.Equal(t, epoch.UnixNano(), e.TouchedAt())
	require.Equal(t, epoch.Add(time.Minute).UnixNano(), e.ExpiresAt())
	require.Equal(t, uint64(7), e.Seq())
	require.Zero(t, e.Hits())
}

// TestEntry_NoMaxAgeNeverExpires keeps entries without max age forever.
func TestEntry_NoMaxAgeNeverExpires(t *testing.T) {
	e := NewEntry("k", model.CategoryContent, model.PriorityLow, []byte("v"), 0, epoch, 0, 1)

	require.Zero(t, e.ExpiresAt())
	require.False(t, e.IsExpired(epoch.Add(100*365*24*time.Hour)))
	require.True(t, e.View().ExpirationTime.IsZero())
}

// TestEntry_IsExpired flips exactly at the expiration time.
func TestEntry_IsExpired(t *testing.T) {
	e := NewEntry("k", model.CategoryContent, model.PriorityLow, []byte("v"), 0, epoch, time.Second, 1)

	require.False(t, e.IsExpired(epoch.Add(999*time.Millisecond)))
	require.True(t, e.IsExpired(epoch.Add(time.Second)))
}

// TestEntry_Touch updates access bookkeeping.
func TestEntry_Touch(t *testing.T) {
	e := NewEntry("k", model.CategoryContent, model.PriorityLow, []byte("v"), 0, epoch, 0, 1)
	e.Touch(epoch.Add(time.Second))
	e.Touch(epoch.Add(2 * time.Second))

	require.Equal(t, int64(2), e.Hits())
	require.Equal(t, epoch.Add(2*time.Second).UnixNano(), e.TouchedAt())
	require.Equal(t, epoch.UnixNano(), e.CreatedAt(), "reads must not move insertion time")
}

// TestEntry_BytesRoundTrip restores every field of an encoded entry.
func TestEntry_BytesRoundTrip(t *testing.T) {
	e := NewEntry("user:42", model.CategoryUserData, model.PriorityCritical, []byte("payload"), FlagCompressed, epoch, time.Hour, 99)
	e.Touch(epoch.Add(time.Minute))

	restored, err := FromBytes(e.ToBytes())
	require.NoError(t, err)
	require.Equal(t, e.View(), restored.View())
	require.Equal(t, e.Seq(), restored.Seq())
	require.Equal(t, e.Payload(), restored.Payload())
	require.True(t, restored.Flags().Has(FlagCompressed))
	require.False(t, restored.Flags().Has(FlagEncrypted))
}

// TestFromBytes_Malformed rejects truncated and corrupted records.
func TestFromBytes_Malformed(t *testing.T) {
	e := NewEntry("k", model.CategoryContent, model.PriorityLow, []byte("value"), 0, epoch, 0, 1)
	data := e.ToBytes()

	_, err := FromBytes(data[:10])
	require.ErrorIs(t, err, ErrMalformedRecord)

	_, err = FromBytes(data[:len(data)-1])
	require.ErrorIs(t, err, ErrMalformedRecord)

	bad := append([]byte(nil), data...)
	bad[0] = 42
	_, err = FromBytes(bad)
	require.ErrorIs(t, err, ErrMalformedRecord)
}
