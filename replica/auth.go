package replica

import (
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// ClientToken identifies one client process to the session pool.
type ClientToken struct {
	ClientId   Id
	ClientName string
}

func MintClientToken(secret []byte, clientId Id, clientName string, ttl time.Duration) (string, error) {
	claims := gojwt.MapClaims{
		"client_id":   clientId.String(),
		"client_name": clientName,
		"iat":         time.Now().Unix(),
	}
	if 0 < ttl {
		claims["exp"] = time.Now().Add(ttl).Unix()
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

func ParseClientToken(secret []byte, tokenStr string) (*ClientToken, error) {
	token, err := gojwt.Parse(tokenStr, func(token *gojwt.Token) (any, error) {
		if _, ok := token.Method.(*gojwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type: %T", token.Claims)
	}

	clientToken := &ClientToken{}
	if clientIdStr, ok := claims["client_id"]; ok {
		clientId, err := ParseId(clientIdStr.(string))
		if err != nil {
			return nil, err
		}
		clientToken.ClientId = clientId
	} else {
		return nil, fmt.Errorf("missing client_id claim")
	}
	if clientName, ok := claims["client_name"]; ok {
		clientToken.ClientName, _ = clientName.(string)
	}
	return clientToken, nil
}
