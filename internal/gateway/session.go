package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/google/uuid"
	"github.com/studyhall/studysync/internal/remotelog"
	"github.com/studyhall/studysync/internal/types"
)

var (
	defaultExp     = time.Hour * 24
	tokenCookieKey = "token"
)

const (
	userIdClaim = "user-id"
	expClaim    = "exp"

	usersCollection = "users"
)

type contextKey string

const userIdKey contextKey = "user-id"

func WithUserId(ctx context.Context, userId string) context.Context {
	return context.WithValue(ctx, userIdKey, userId)
}

func UserId(ctx context.Context) (string, bool) {
	userId, ok := ctx.Value(userIdKey).(string)

	return userId, ok
}

type GuestSessionRequest struct {
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// createSession registers a guest profile and issues a session cookie.
// Profiles live in the users collection so other clients can render
// author names without a separate account store.
func (g *Gateway) createSession(w http.ResponseWriter, r *http.Request) {
	var req GuestSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		g.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.Name == "" {
		errResp := NewBadRequestError()
		g.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	user := types.User{
		UID:       uuid.NewString(),
		Name:      req.Name,
		Avatar:    req.Avatar,
		CreatedAt: Now(),
		IsGuest:   true,
	}

	writes := map[string]remotelog.Record{
		usersCollection + "/" + user.UID: user.Record(),
	}
	if err := g.rlog.MultiWrite(r.Context(), writes); err != nil {
		errResp := NewInternalServerError(err)
		g.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	token, err := g.createJwtForSession(user.UID, defaultExp)
	if err != nil {
		errResp := NewInternalServerError(err)
		g.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	http.SetCookie(w, createJwtCookie(token, defaultExp))

	g.writeJson(w, http.StatusCreated, user)
}

func (g *Gateway) session(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		g.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	user, err := g.lookupUser(r.Context(), userId)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, remotelog.ErrRecordNotFound) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		g.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	g.writeJson(w, http.StatusOK, user)
}

func (g *Gateway) logout(w http.ResponseWriter, _ *http.Request) {
	// instruct browser to delete cookie by overwriting it with an expired token
	http.SetCookie(w, createJwtCookie("", time.Duration(time.Unix(0, 0).Unix())))
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) lookupUser(ctx context.Context, userId string) (types.User, error) {
	rec, err := g.rlog.Read(ctx, usersCollection+"/"+userId)
	if err != nil {
		return types.User{}, err
	}

	return types.UserFromRecord(userId, rec)
}

func createJwtCookie(tokenString string, exp time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     tokenCookieKey,
		Value:    tokenString,
		Path:     "/",
		Expires:  time.Now().Add(exp),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
}

func (g *Gateway) createJwtForSession(userId string, exp time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		userIdClaim: userId,
		expClaim:    time.Now().Add(exp).Unix(),
	})

	return token.SignedString(g.signingKey)
}

func (g *Gateway) extractUserIdFromToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		return g.signingKey, nil
	})
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}

	if !token.Valid {
		return "", fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid token claims")
	}

	userId, ok := claims[userIdClaim].(string)
	if !ok {
		return "", fmt.Errorf("invalid user id claim")
	}

	return userId, nil
}
