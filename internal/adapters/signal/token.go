package signal

import (
	"fmt"
	"time"

	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

// Claims identify the participant to the signaling server.
type Claims struct {
	UserID string `json:"user_id"`
	Room   string `json:"room"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 token for user in room.
func IssueToken(secret string, user domain.PeerID, room domain.ChannelID, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: string(user),
		Room:   string(room),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(user),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
