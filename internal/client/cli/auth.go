package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/gophvault/internal/client/client"
	"github.com/dmitrijs2005/gophvault/internal/common"
)

var errAlreadyLoggedIn = errors.New("already logged in, log out first")

// getSimpleText and getPassword are indirections used to facilitate testing.
var getSimpleText = GetSimpleText
var getPassword = GetPassword

// Register prompts for a username and password and creates the account.
func (a *App) Register(ctx context.Context) error {
	userName, err := getSimpleText(a.reader, "Enter username", a.out)
	if err != nil {
		return err
	}

	password, err := getPassword(a.out)
	if err != nil {
		return err
	}
	defer common.WipeByteArray(password)

	if err := a.auth.Register(ctx, userName, password); err != nil {
		return err
	}

	a.printf("Success!\n")
	return nil
}

// Login authenticates and opens the sync session.
//
// An online login is tried first. If the server is unavailable the
// credentials cached by the last online login on this device are used
// instead; changes made meanwhile are queued and synchronized later.
func (a *App) Login(ctx context.Context) error {
	if a.isLoggedIn() {
		return errAlreadyLoggedIn
	}

	userName, err := getSimpleText(a.reader, "Enter username", a.out)
	if err != nil {
		return err
	}

	password, err := getPassword(a.out)
	if err != nil {
		return err
	}
	defer common.WipeByteArray(password)

	mode := "online"
	key, err := a.auth.OnlineLogin(ctx, userName, password)
	if errors.Is(err, client.ErrUnavailable) {
		a.printf("Server unavailable, trying offline login...\n")
		mode = "offline"
		key, err = a.auth.OfflineLogin(ctx, userName, password)
	}
	if err != nil {
		return fmt.Errorf("login unsuccessful: %w", err)
	}
	// Records are stored in plain form; the key only proves the password.
	common.WipeByteArray(key)

	if err := a.openSession(ctx, userName); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	a.printf("Login successful (%s)\n", mode)
	return nil
}

// Logout stops the session and forgets the cached credentials. Queued
// changes are kept and synchronized after the next login.
func (a *App) Logout(ctx context.Context) error {
	a.closeSession()
	if err := a.auth.ClearOfflineData(ctx); err != nil {
		return err
	}
	a.printf("Logged out\n")
	return nil
}
