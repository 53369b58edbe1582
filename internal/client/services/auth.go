// Package services contains the client-side account workflows that sit in
// front of a sync session: registration, online login with an offline
// fallback, and the local credential cache.
package services

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/gophvault/internal/client/client"
	"github.com/dmitrijs2005/gophvault/internal/client/repositories/metadata"
	"github.com/dmitrijs2005/gophvault/internal/cryptox"
	"github.com/dmitrijs2005/gophvault/internal/dbx"
)

// ErrNoOfflineData means the user never logged in online on this device.
var ErrNoOfflineData = errors.New("no offline login data on this device")

var authKeys = []string{
	metadata.KeyUsername,
	metadata.KeySalt,
	metadata.KeyVerifier,
	metadata.KeyAccessToken,
	metadata.KeyRefreshToken,
}

type AuthService struct {
	client client.Client
	db     *sql.DB
	meta   metadata.Repository
}

func NewAuthService(c client.Client, db *sql.DB) *AuthService {
	return &AuthService{client: c, db: db, meta: metadata.NewSQLiteRepository(db)}
}

// Register creates an account. Only the salt and the verifier derived from
// the password leave the device.
func (a *AuthService) Register(ctx context.Context, username string, password []byte) error {
	salt := cryptox.NewSalt()
	verifier := cryptox.MakeVerifier(cryptox.DeriveMasterKey(password, salt))
	return a.client.Register(ctx, username, salt, verifier)
}

// OnlineLogin authenticates against the server and caches what an offline
// login and a later token refresh need. It returns the master key.
func (a *AuthService) OnlineLogin(ctx context.Context, username string, password []byte) ([]byte, error) {
	salt, err := a.client.GetSalt(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("get salt error: %w", err)
	}

	key := cryptox.DeriveMasterKey(password, salt)
	verifier := cryptox.MakeVerifier(key)

	if err := a.client.Login(ctx, username, verifier); err != nil {
		return nil, fmt.Errorf("login error: %w", err)
	}

	access, refresh := a.client.Tokens()
	err = dbx.WithTx(ctx, a.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := metadata.NewSQLiteRepository(tx)
		for k, v := range map[string][]byte{
			metadata.KeyUsername:     []byte(username),
			metadata.KeySalt:         salt,
			metadata.KeyVerifier:     verifier,
			metadata.KeyAccessToken:  []byte(access),
			metadata.KeyRefreshToken: []byte(refresh),
		} {
			if err := repo.Set(ctx, k, v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("offline data saving error: %w", err)
	}
	return key, nil
}

// OfflineLogin checks the password against the cached verifier and restores
// the cached tokens, so the session can sync once the server is reachable.
func (a *AuthService) OfflineLogin(ctx context.Context, username string, password []byte) ([]byte, error) {
	saved, err := a.meta.Get(ctx, metadata.KeyUsername)
	if err != nil {
		return nil, err
	}
	if saved == nil {
		return nil, ErrNoOfflineData
	}
	if string(saved) != username {
		return nil, client.ErrUnauthorized
	}

	salt, err := a.meta.Get(ctx, metadata.KeySalt)
	if err != nil {
		return nil, err
	}
	verifier, err := a.meta.Get(ctx, metadata.KeyVerifier)
	if err != nil {
		return nil, err
	}
	if salt == nil || verifier == nil {
		return nil, ErrNoOfflineData
	}

	key := cryptox.DeriveMasterKey(password, salt)
	if subtle.ConstantTimeCompare(verifier, cryptox.MakeVerifier(key)) == 0 {
		return nil, client.ErrUnauthorized
	}

	access, err := a.meta.Get(ctx, metadata.KeyAccessToken)
	if err != nil {
		return nil, err
	}
	refresh, err := a.meta.Get(ctx, metadata.KeyRefreshToken)
	if err != nil {
		return nil, err
	}
	a.client.SetTokens(string(access), string(refresh))
	return key, nil
}

// SaveTokens persists rotated tokens. It is wired as the client's token
// listener.
func (a *AuthService) SaveTokens(ctx context.Context, access, refresh string) error {
	return dbx.WithTx(ctx, a.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := metadata.NewSQLiteRepository(tx)
		if err := repo.Set(ctx, metadata.KeyAccessToken, []byte(access)); err != nil {
			return err
		}
		return repo.Set(ctx, metadata.KeyRefreshToken, []byte(refresh))
	})
}

func (a *AuthService) Ping(ctx context.Context) error {
	return a.client.Ping(ctx)
}

// ClearOfflineData forgets the cached credentials and tokens. The pending
// queue and the replica are kept.
func (a *AuthService) ClearOfflineData(ctx context.Context) error {
	a.client.SetTokens("", "")
	for _, k := range authKeys {
		if err := a.meta.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}
