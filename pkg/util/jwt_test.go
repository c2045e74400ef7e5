package util

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTRoundTrip(t *testing.T) {
	id := uuid.New()
	tok, err := GenerateJWT(id, "barber", "s3cret", time.Hour)
	require.NoError(t, err)

	gotID, role, err := ParseJWT(tok, "s3cret")
	require.NoError(t, err)
	assert.Equal(t, id, gotID)
	assert.Equal(t, "barber", role)
}

func TestParseJWTRejects(t *testing.T) {
	id := uuid.New()

	t.Run("wrong secret", func(t *testing.T) {
		tok, err := GenerateJWT(id, "admin", "one", time.Hour)
		require.NoError(t, err)
		_, _, err = ParseJWT(tok, "two")
		assert.Error(t, err)
	})

	t.Run("expired", func(t *testing.T) {
		claims := Claims{
			UserID: id.String(),
			Role:   "admin",
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			},
		}
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("k"))
		require.NoError(t, err)
		_, _, err = ParseJWT(tok, "k")
		assert.ErrorIs(t, err, jwt.ErrTokenExpired)
	})

	t.Run("non uuid subject", func(t *testing.T) {
		claims := Claims{UserID: "42", Role: "admin"}
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("k"))
		require.NoError(t, err)
		_, _, err = ParseJWT(tok, "k")
		assert.ErrorIs(t, err, jwt.ErrTokenMalformed)
	})
}

func TestExtractToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	assert.Equal(t, "", ExtractToken(r))

	r.Header.Set("Authorization", "Bearer abc")
	assert.Equal(t, "abc", ExtractToken(r))

	r.Header.Set("Authorization", "Basic abc")
	assert.Equal(t, "", ExtractToken(r))
}
