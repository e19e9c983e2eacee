// Package auth 处理 actor 身份：HS256 JWT 的 sub 即不透明的 actor id，
// 本服务不校验用户是否存在。另提供清理入口密钥的 bcrypt 哈希。
package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const actorKey = "actorID"

type Claims struct {
	jwt.RegisteredClaims
}

// HashKey 生成密钥的 bcrypt 哈希，写入配置 SWEEP_KEY_HASH。
func HashKey(key string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	return string(b), err
}

func VerifyKey(hash, key string) bool {
	if hash == "" || key == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}

func GenerateAccessToken(actorID, secret string, ttl time.Duration) (string, error) {
	if actorID == "" {
		return "", errors.New("actor id is required")
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actorID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ParseAccessToken(tokenStr, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid && claims.Subject != "" {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

// BearerToken 从 Authorization 头取出 token，没有时回退到 ?token= 查询参数（WebSocket 使用）。
func BearerToken(c *gin.Context) string {
	authz := c.GetHeader("Authorization")
	if authz != "" && strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return strings.TrimSpace(authz[len("Bearer "):])
	}
	return c.Query("token")
}

func ActorMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := BearerToken(c)
		if tokenStr == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims, err := ParseAccessToken(tokenStr, secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(actorKey, claims.Subject)
		c.Next()
	}
}

func GetActorID(c *gin.Context) string {
	if v, ok := c.Get(actorKey); ok {
		if id, ok2 := v.(string); ok2 {
			return id
		}
	}
	return ""
}
