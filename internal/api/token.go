package api

import (
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// PollClaims is the signed correlation token returned by the trade
// initiation endpoint. The token, not a server-side session, carries the
// task ID and the owning user, so the status endpoint works stateless.
type PollClaims struct {
	TaskID string `json:"tid"`
	jwt.RegisteredClaims
}

// NewPollToken signs a token binding taskID to userID for ttl.
func NewPollToken(secret []byte, taskID string, userID int64, ttl time.Duration, now time.Time) (string, error) {
	claims := PollClaims{
		TaskID: taskID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ParsePollToken verifies the signature and expiry and returns the task ID
// and user ID the token was issued for.
func ParsePollToken(secret []byte, tokenString string) (taskID string, userID int64, err error) {
	claims := &PollClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return "", 0, err
	}
	if !token.Valid || claims.TaskID == "" {
		return "", 0, fmt.Errorf("invalid poll token")
	}
	userID, err = strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("invalid subject claim: %w", err)
	}
	return claims.TaskID, userID, nil
}
