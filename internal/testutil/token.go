package testutil

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
)

// Token returns a signed token for userId that expires in an hour.
func Token(t *testing.T, userId string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user-id": userId,
		"exp":     time.Now().Add(time.Hour).Unix(),
	})
	s, err := token.SignedString([]byte("test-signing-key"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}
